//go:build test

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blesync/agent"
	"github.com/srg/blesync/internal/link"
	"github.com/srg/blesync/internal/peerstore"
	"github.com/srg/blesync/internal/services/extappmsg"
	"github.com/srg/blesync/internal/services/timesync"
	"github.com/srg/blesync/internal/testutils"
	"github.com/srg/blesync/pkg/config"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs commands against an in-process agent over a fake
// transport. All cmd/blesync test suites needing an agent embed it.
type CommandTestSuite struct {
	suite.Suite

	Helper     *testutils.TestHelper
	Transport  *testutils.FakeTransport
	Dir        string
	SocketPath string
	ConfigPath string
	Agent      agent.Agent

	stopAgent       func()
	originalFactory func(*logrus.Logger) link.Transport
	originalNoColor bool
}

// SetupTest writes a config pointing into a temp dir and resets command flags.
func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())

	dir, err := os.MkdirTemp("", "bscmd")
	s.Require().NoError(err)
	s.Dir = dir
	s.SocketPath = filepath.Join(dir, "agent.sock")
	s.ConfigPath = filepath.Join(dir, "config.yaml")

	s.Require().NoError(os.WriteFile(s.ConfigPath, []byte(fmt.Sprintf(`
log_level: debug
socket_path: %s
state_file: %s
connect_timeout: 2s
negotiation_timeout: 2s
retry_delay: 5ms
auto_connect: false
`, s.SocketPath, filepath.Join(dir, "peer.yaml"))), 0o600))

	s.Transport = testutils.NewPeerBuilder().
		WithBattery(64).
		WithService(timesync.GroupID.String()).
		WithChannel(timesync.SetTimeID.String(), "write", nil).
		WithService(extappmsg.GroupID.String()).
		WithChannel(extappmsg.PushMessageID.String(), "write-without-response", nil).
		Build()

	s.originalFactory = transportFactory
	transportFactory = func(*logrus.Logger) link.Transport { return s.Transport }
	s.originalNoColor = color.NoColor
	color.NoColor = true

	s.resetFlags()
}

// TearDownTest stops the agent and restores package state.
func (s *CommandTestSuite) TearDownTest() {
	if s.stopAgent != nil {
		s.stopAgent()
		s.stopAgent = nil
	}
	s.Agent = nil
	transportFactory = s.originalFactory
	color.NoColor = s.originalNoColor
	_ = os.RemoveAll(s.Dir)
}

// resetFlags restores every command flag to its default, including the
// Changed marks cobra uses for required flags.
func (s *CommandTestSuite) resetFlags() {
	var reset func(c *cobra.Command)
	reset = func(c *cobra.Command) {
		restore := func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				s.Require().NoError(sv.Replace(nil), "flag %s MUST reset", f.Name)
			} else {
				s.Require().NoError(f.Value.Set(f.DefValue), "flag %s MUST reset", f.Name)
			}
			f.Changed = false
		}
		c.Flags().VisitAll(restore)
		c.PersistentFlags().VisitAll(restore)
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)
}

// StartAgent runs an agent in the background remembering peer. Stopped in TearDownTest.
func (s *CommandTestSuite) StartAgent(peer link.PeerIdentity) agent.Agent {
	cfg, err := config.Load(s.ConfigPath)
	s.Require().NoError(err, "test config MUST load")

	ready := make(chan agent.Agent, 1)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := agent.Run(context.Background(), &agent.Options{
			Config:    cfg,
			Transport: s.Transport,
			Store:     peerstore.NewMemoryStore(peer),
			Logger:    s.Helper.Logger,
		}, nil, func(a agent.Agent) (struct{}, error) {
			ready <- a
			<-stop
			return struct{}{}, nil
		})
		done <- err
	}()

	select {
	case a := <-ready:
		s.Agent = a
	case err := <-done:
		s.Require().NoError(err, "agent MUST start")
	case <-time.After(2 * time.Second):
		s.Require().Fail("agent MUST start within 2s")
	}

	s.stopAgent = func() {
		close(stop)
		<-done
	}
	return s.Agent
}

// ConnectAgent asks the running agent to connect and waits for a ready link.
func (s *CommandTestSuite) ConnectAgent() *testutils.FakeLink {
	s.Require().NoError(s.Agent.Manager().RequestConnect())
	s.Require().Eventually(s.Agent.Manager().IsReady, 2*time.Second, 5*time.Millisecond, "link MUST become ready")
	return s.Transport.LastLink()
}

// ExecuteCommand runs the root command with args against the suite's config
// and socket, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append(args, "--config", s.ConfigPath))
	err := rootCmd.Execute()
	return buf.String(), err
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
