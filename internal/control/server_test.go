package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/link"
	"github.com/stretchr/testify/suite"
)

type ServerTestSuite struct {
	suite.Suite

	dir    string
	inbox  *Inbox
	server *Server
	served chan error
}

func (s *ServerTestSuite) SetupTest() {
	// unix socket paths are length-limited, keep it short
	dir, err := os.MkdirTemp("", "bsctl")
	s.Require().NoError(err)
	s.dir = dir

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.inbox = NewInbox(8, logger)
	s.server = NewServer(filepath.Join(dir, "ctl.sock"), s.inbox, logger)
	s.Require().NoError(s.server.Listen(), "server MUST listen")

	s.served = make(chan error, 1)
	go func() { s.served <- s.server.Serve(context.Background()) }()
}

func (s *ServerTestSuite) TearDownTest() {
	s.server.Close()
	select {
	case err := <-s.served:
		s.NoError(err, "Serve MUST return cleanly after Close")
	case <-time.After(2 * time.Second):
		s.Fail("Serve MUST return after Close")
	}
	_ = os.RemoveAll(s.dir)
}

func (s *ServerTestSuite) dial() *Client {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, s.server.Path())
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *ServerTestSuite) next() Command {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, err := s.inbox.Next(ctx)
	s.Require().NoError(err, "command MUST reach the inbox")
	return cmd
}

func (s *ServerTestSuite) recv(c *Client) Event {
	s.Require().NoError(c.SetReadDeadline(time.Now().Add(time.Second)))
	ev, err := c.Recv()
	s.Require().NoError(err, "event MUST reach the controller")
	return ev
}

func (s *ServerTestSuite) TestCommandAndEventRoundTrip() {
	// GOAL: Verify commands reach the inbox and events come back to the sender
	//
	// TEST SCENARIO: controller selects a peer → inbox sees it → status and name events arrive in order

	c := s.dial()
	peer := link.PeerIdentity{Address: "AA:BB:CC:DD:EE:FF", Name: "catfish"}
	s.Require().NoError(c.Send(Command{Type: CmdSelectPeer, Peer: &peer}))

	cmd := s.next()
	s.Equal(CmdSelectPeer, cmd.Type)
	s.Equal(&peer, cmd.Peer)

	s.inbox.PeerNameChanged("catfish")
	s.inbox.StatusChanged(link.Disconnected)

	s.Equal(Event{Type: EvtPeerNameChanged, Name: "catfish"}, s.recv(c))
	s.Equal(Event{Type: EvtStatusChanged, State: link.Disconnected}, s.recv(c))
}

func (s *ServerTestSuite) TestLatestControllerReceivesEvents() {
	// GOAL: Verify only the most recent sender gets events
	//
	// TEST SCENARIO: A sends → B sends → event → only B receives it

	a, b := s.dial(), s.dial()

	s.Require().NoError(a.Send(Command{Type: CmdRequestStatus}))
	s.next()
	s.Require().NoError(b.Send(Command{Type: CmdRequestBatteryLevel}))
	s.next()

	s.inbox.BatteryLevelChanged(42)
	s.Equal(Event{Type: EvtBatteryLevelChanged, Battery: 42}, s.recv(b))

	s.Require().NoError(a.SetReadDeadline(time.Now().Add(50 * time.Millisecond)))
	_, err := a.Recv()
	s.Error(err, "previous controller MUST not receive the event")
}

func (s *ServerTestSuite) TestGoneControllerIsNonFatal() {
	// GOAL: Verify events for a departed controller fail without affecting the server
	//
	// TEST SCENARIO: controller sends then hangs up → event delivery fails → new controller works

	c := s.dial()
	s.Require().NoError(c.Send(Command{Type: CmdRequestStatus}))
	s.next()
	s.Require().NoError(c.Close())
	s.Eventually(func() bool { return s.server.Sessions() == 0 }, time.Second, 5*time.Millisecond)

	s.ErrorIs(s.inbox.Target().Deliver(Event{Type: EvtBatteryLevelChanged}), ErrTargetGone)
	s.inbox.StatusChanged(link.Connected)

	d := s.dial()
	s.Require().NoError(d.Send(Command{Type: CmdConnect}))
	s.Equal(CmdConnect, s.next().Type)
}

func (s *ServerTestSuite) TestLiveSocketIsNotStolen() {
	other := NewServer(s.server.Path(), s.inbox, logrus.New())
	s.Error(other.Listen(), "a second agent MUST not take over a live socket")
}

func (s *ServerTestSuite) TestCloseRemovesSocket() {
	c := s.dial()
	s.server.Close()

	_, err := os.Stat(s.server.Path())
	s.True(os.IsNotExist(err), "socket file MUST be removed")

	s.Require().NoError(c.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = c.Recv()
	s.Error(err, "connected controllers MUST be hung up")
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func TestServer_RemovesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "bsctl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "ctl.sock")

	// A listener closed without unlinking leaves a dead socket file behind.
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = ln.Close()

	srv := NewServer(path, NewInbox(1, logrus.New()), logrus.New())
	defer srv.Close()
	if err := srv.Listen(); err != nil {
		t.Fatalf("stale socket MUST be replaced: %v", err)
	}
}
