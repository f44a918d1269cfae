//go:build test

package main

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/srg/blesync/internal/control"
	"github.com/srg/blesync/internal/peerstore"
	"github.com/srg/blesync/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// RunTestSuite covers the agent command itself.
type RunTestSuite struct {
	CommandTestSuite
}

func (s *RunTestSuite) TestRunServesUntilInterrupted() {
	// GOAL: Verify run serves controllers, persists the selected peer and exits cleanly on SIGINT
	//
	// TEST SCENARIO: run → controller selects peer → peer file written → SIGINT → socket removed, nil error

	out := &testutils.SyncBuffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs([]string{"run", "--config", s.ConfigPath})

	done := make(chan error, 1)
	go func() { done <- rootCmd.Execute() }()

	s.Require().Eventually(func() bool { return containsAll(out.String(), "Agent listening on "+s.SocketPath) },
		2*time.Second, 5*time.Millisecond, "agent MUST report its socket")
	s.Contains(out.String(), "No peer selected")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := control.Dial(ctx, s.SocketPath)
	s.Require().NoError(err)
	defer client.Close()

	peer := testutils.DefaultPeer
	s.Require().NoError(client.Send(control.Command{Type: control.CmdSelectPeer, Peer: &peer}))
	s.Require().NoError(client.SetReadDeadline(time.Now().Add(2 * time.Second)))
	ev, err := client.Recv()
	s.Require().NoError(err)
	s.Equal(control.EvtPeerNameChanged, ev.Type)

	stored, err := peerstore.NewFileStore(filepath.Join(s.Dir, "peer.yaml")).Load()
	s.Require().NoError(err)
	s.Equal(peer, stored, "selected peer MUST be written to state_file")
	s.Zero(s.Transport.Connects(), "auto_connect: false MUST keep the agent idle")

	process, _ := os.FindProcess(os.Getpid())
	s.Require().NoError(process.Signal(syscall.SIGINT))

	select {
	case err := <-done:
		s.NoError(err, "interrupt MUST be a clean exit")
	case <-time.After(5 * time.Second):
		s.Fail("run MUST complete within 5s after SIGINT")
	}
	s.Contains(out.String(), "Shutting down")

	_, statErr := os.Stat(s.SocketPath)
	s.True(os.IsNotExist(statErr), "control socket MUST be removed on shutdown")
}

func (s *RunTestSuite) TestRunRejectsInvalidLogLevel() {
	_, err := s.ExecuteCommand("run", "--log-level", "loud")

	s.ErrorContains(err, "invalid log level")
	s.NoFileExists(s.SocketPath, "agent MUST NOT start with an invalid log level")
}

func (s *RunTestSuite) TestRunMissingConfig() {
	rootCmd.SetArgs([]string{"run", "--config", filepath.Join(s.Dir, "missing.yaml")})

	err := rootCmd.Execute()

	s.ErrorContains(err, "failed to open config")
}

func TestRunTestSuite(t *testing.T) {
	suite.Run(t, new(RunTestSuite))
}
