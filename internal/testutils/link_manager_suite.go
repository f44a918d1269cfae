//go:build test

package testutils

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
	"github.com/srg/blesync/internal/link"
	"github.com/srg/blesync/internal/peerstore"
	"github.com/srg/blesync/internal/service"
	"github.com/stretchr/testify/suite"
)

// DefaultPeer is the peer remembered by LinkManagerSuite at the start of each test.
var DefaultPeer = link.PeerIdentity{Address: "AA:BB:CC:DD:EE:FF", Name: "catfish"}

// LinkManagerSuite provides a reusable test suite wiring a link.Manager to a
// fake transport, an in-memory peer store and a recording observer.
//
// Basic usage (default peer exposing only the Battery service):
//
//	type ConnectSuite struct {
//	    testutils.LinkManagerSuite
//	}
//
//	func TestConnectSuite(t *testing.T) {
//	    suite.Run(t, new(ConnectSuite))
//	}
//
// Custom peer profile usage:
//
//	func (s *ConnectSuite) SetupTest() {
//	    s.WithPeer().
//	        WithBattery(80).
//	        WithService("00007071-0000-0000-0000-00a57e401d05").
//	        WithChannel("00007001-0000-0000-0000-00a57e401d05", "write", nil)
//
//	    s.LinkManagerSuite.SetupTest() // Call parent last to apply configuration
//	}
type LinkManagerSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	PeerBuilder *PeerBuilder

	Transport *FakeTransport
	Store     *peerstore.MemoryStore
	Channels  *channel.Registry
	Services  *service.Registry
	Observer  *RecordingObserver
	Manager   *link.Manager
}

// SetupSuite is called once before all tests in the suite.
func (s *LinkManagerSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// SetupTest builds a fresh manager before each test.
func (s *LinkManagerSuite) SetupTest() {
	if s.PeerBuilder == nil {
		s.PeerBuilder = NewPeerBuilder().WithBattery(50)
	}

	s.Transport = s.PeerBuilder.Build()
	s.Store = peerstore.NewMemoryStore(DefaultPeer)
	s.Channels = channel.NewRegistry(channel.Options{QueueSize: 16, WriteTimeout: time.Second}, s.Logger)
	s.Services = service.NewRegistry(s.Logger)
	s.Observer = &RecordingObserver{}

	negotiator := link.NewNegotiator(s.Logger)
	negotiator.Timeout = s.TestTimeout
	s.Manager = link.NewManager(s.Transport, s.Store, s.Channels, s.Services, &link.Options{
		ConnectTimeout:    s.TestTimeout,
		RetryCount:        2,
		RetryDelay:        5 * time.Millisecond,
		DisconnectTimeout: s.TestTimeout,
		Negotiator:        negotiator,
	}, s.Logger)

	s.Require().NoError(s.Manager.Start(context.Background()), "manager MUST start")
	s.Require().NoError(s.Manager.SetObserver(s.Observer))
}

// TearDownTest closes the manager and resets the peer profile.
func (s *LinkManagerSuite) TearDownTest() {
	if s.Manager != nil {
		s.Manager.Close()
	}
	s.PeerBuilder = nil
}

// WithPeer returns the peer builder for fluent configuration.
// Call before LinkManagerSuite.SetupTest.
func (s *LinkManagerSuite) WithPeer() *PeerBuilder {
	if s.PeerBuilder == nil {
		s.PeerBuilder = NewPeerBuilder()
	}
	return s.PeerBuilder
}

// WaitState waits until the manager reports state.
func (s *LinkManagerSuite) WaitState(state link.ConnectionState) {
	s.Require().Eventually(func() bool { return s.Manager.State() == state }, s.TestTimeout, 2*time.Millisecond,
		"state MUST become %s, got %s", state, s.Manager.State())
}

// ConnectReady connects and waits for negotiation to complete. Returns the live link.
func (s *LinkManagerSuite) ConnectReady() *FakeLink {
	s.Require().NoError(s.Manager.RequestConnect())
	s.Require().Eventually(s.Manager.IsReady, s.TestTimeout, 2*time.Millisecond, "link MUST become ready")
	l := s.Transport.LastLink()
	s.Require().NotNil(l, "transport MUST have handed out a link")
	return l
}

// RecordingService is a service.Descriptor that counts lifecycle calls.
type RecordingService struct {
	ServiceName string
	Group       channel.ID
	Decls       []channel.Decl

	// OnSync and OnUnsync, when set, run inside the lifecycle calls.
	OnSync   func()
	OnUnsync func()

	syncs   atomic.Int32
	unsyncs atomic.Int32
}

// NewRecordingService creates a service declaring decls under group.
func NewRecordingService(name string, group channel.ID, decls ...channel.Decl) *RecordingService {
	return &RecordingService{ServiceName: name, Group: group, Decls: decls}
}

func (r *RecordingService) Name() string { return r.ServiceName }
func (r *RecordingService) GroupID() channel.ID { return r.Group }
func (r *RecordingService) Channels() []channel.Decl { return r.Decls }

func (r *RecordingService) Sync() {
	r.syncs.Add(1)
	if r.OnSync != nil {
		r.OnSync()
	}
}

func (r *RecordingService) Unsync() {
	r.unsyncs.Add(1)
	if r.OnUnsync != nil {
		r.OnUnsync()
	}
}

// Syncs returns how many times Sync was called.
func (r *RecordingService) Syncs() int { return int(r.syncs.Load()) }

// Unsyncs returns how many times Unsync was called.
func (r *RecordingService) Unsyncs() int { return int(r.unsyncs.Load()) }

// Outstanding returns Syncs minus Unsyncs.
func (r *RecordingService) Outstanding() int { return r.Syncs() - r.Unsyncs() }
