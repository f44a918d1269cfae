package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

var (
	testOut  = MustParseID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	testOut2 = MustParseID("6e400004-b5a3-f393-e0a9-e50e24dcca9e")
	testIn   = MustParseID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

type recordedWrite struct {
	id           ID
	data         []byte
	withResponse bool
}

// recordingWriter captures writes; when gate is non-nil every write waits on it.
type recordingWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	gate   chan struct{}
	err    error
}

func (w *recordingWriter) Write(ctx context.Context, id ID, data []byte, withResponse bool) error {
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, recordedWrite{id: id, data: data, withResponse: withResponse})
	return w.err
}

func (w *recordingWriter) snapshot() []recordedWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]recordedWrite, len(w.writes))
	copy(out, w.writes)
	return out
}

type RegistryTestSuite struct {
	suite.Suite

	logger   *logrus.Logger
	registry *Registry
	writer   *recordingWriter
}

func (s *RegistryTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.registry = NewRegistry(Options{QueueSize: 4, WriteTimeout: time.Second}, s.logger)
	s.writer = &recordingWriter{}
}

func (s *RegistryTestSuite) TearDownTest() {
	s.registry.Unbind()
}

func (s *RegistryTestSuite) TestWriteUnbound() {
	// GOAL: Verify writing before a link exists is rejected without touching the transport
	//
	// TEST SCENARIO: No bindings → Write() → ErrUnbound, nothing delivered

	err := s.registry.Write(testOut, []byte{1})

	s.Require().Error(err, "write to unbound channel MUST fail")
	s.Assert().ErrorIs(err, ErrUnbound, "error MUST be ErrUnbound")
	s.Assert().Empty(s.writer.snapshot(), "transport MUST NOT be touched")
}

func (s *RegistryTestSuite) TestWriteOrderedPerChannel() {
	// GOAL: Verify writes to one channel are delivered in enqueue order
	//
	// TEST SCENARIO: Bind outbound channel → enqueue 3 payloads → delivered in order with response flag

	s.registry.Bind(context.Background(), s.writer, []Binding{{ID: testOut, WithResponse: true}}, nil)

	for i := byte(0); i < 3; i++ {
		s.Require().NoError(s.registry.Write(testOut, []byte{i}), "enqueue MUST succeed")
	}

	s.Require().Eventually(func() bool { return len(s.writer.snapshot()) == 3 }, time.Second, 5*time.Millisecond,
		"all writes MUST be delivered")

	writes := s.writer.snapshot()
	for i, w := range writes {
		s.Assert().Equal(testOut, w.id, "channel MUST match")
		s.Assert().Equal([]byte{byte(i)}, w.data, "payloads MUST be delivered in order")
		s.Assert().True(w.withResponse, "binding write type MUST be honored")
	}
}

func (s *RegistryTestSuite) TestWriteCopiesPayload() {
	// GOAL: Verify the registry owns a copy of the enqueued payload
	//
	// TEST SCENARIO: Enqueue buffer → mutate buffer → delivered bytes unchanged

	s.registry.Bind(context.Background(), s.writer, []Binding{{ID: testOut}}, nil)

	buf := []byte{1, 2, 3}
	s.Require().NoError(s.registry.Write(testOut, buf))
	buf[0] = 9

	s.Require().Eventually(func() bool { return len(s.writer.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	s.Assert().Equal([]byte{1, 2, 3}, s.writer.snapshot()[0].data, "payload MUST be copied on enqueue")
}

func (s *RegistryTestSuite) TestQueueFull() {
	// GOAL: Verify a saturated queue rejects further writes instead of blocking
	//
	// TEST SCENARIO: Writer blocked → enqueue beyond capacity → ErrQueueFull

	s.writer.gate = make(chan struct{})
	s.registry.Bind(context.Background(), s.writer, []Binding{{ID: testOut}}, nil)

	var lastErr error
	for i := 0; i < 10 && lastErr == nil; i++ {
		lastErr = s.registry.Write(testOut, []byte{byte(i)})
	}

	s.Assert().ErrorIs(lastErr, ErrQueueFull, "saturated queue MUST report ErrQueueFull")
}

func (s *RegistryTestSuite) TestUnbindDropsQueuedWrites() {
	// GOAL: Verify no queued write outlives Unbind
	//
	// TEST SCENARIO: Writer blocked → enqueue → Unbind → release writer → nothing delivered, later writes fail

	s.writer.gate = make(chan struct{})
	s.registry.Bind(context.Background(), s.writer, []Binding{{ID: testOut}}, nil)
	s.Require().NoError(s.registry.Write(testOut, []byte{1}))
	s.Require().NoError(s.registry.Write(testOut, []byte{2}))

	s.registry.Unbind()
	close(s.writer.gate)

	s.Assert().Empty(s.registry.Bound(), "bindings MUST be empty after Unbind")
	s.Assert().ErrorIs(s.registry.Write(testOut, []byte{3}), ErrUnbound, "write after Unbind MUST fail")

	time.Sleep(20 * time.Millisecond)
	s.Assert().Empty(s.writer.snapshot(), "queued writes MUST NOT be delivered after Unbind")
}

func (s *RegistryTestSuite) TestWriteErrorDoesNotStopWorker() {
	// GOAL: Verify a failed transport write is logged and later writes still flow
	//
	// TEST SCENARIO: Writer returns error → two writes → both attempted

	s.writer.err = errors.New("att error")
	s.registry.Bind(context.Background(), s.writer, []Binding{{ID: testOut}}, nil)

	s.Require().NoError(s.registry.Write(testOut, []byte{1}))
	s.Require().NoError(s.registry.Write(testOut, []byte{2}))

	s.Assert().Eventually(func() bool { return len(s.writer.snapshot()) == 2 }, time.Second, 5*time.Millisecond,
		"worker MUST keep delivering after a failed write")
}

func (s *RegistryTestSuite) TestBindReplacesPreviousTable() {
	// GOAL: Verify rebinding rebuilds the table from scratch
	//
	// TEST SCENARIO: Bind {out, in} → Bind {out2} → only out2 bound

	s.registry.Bind(context.Background(), s.writer, []Binding{{ID: testOut}}, []ID{testIn})
	s.Assert().ElementsMatch([]ID{testOut, testIn}, s.registry.Bound(), "first table MUST be installed")
	s.Assert().True(s.registry.IsBound(testIn), "inbound channel MUST be bound")

	s.registry.Bind(context.Background(), s.writer, []Binding{{ID: testOut2}}, nil)

	s.Assert().Equal([]ID{testOut2}, s.registry.Bound(), "stale bindings MUST NOT survive a rebind")
	s.Assert().False(s.registry.IsBound(testOut), "old outbound channel MUST be unbound")
}

func (s *RegistryTestSuite) TestCallbacks() {
	// GOAL: Verify callback registration is link-independent, idempotent and removable
	//
	// TEST SCENARIO: Register → replace → dispatch hits replacement → unregister → dispatch misses

	var first, second int
	s.registry.RegisterCallback(testIn, func([]byte) { first++ })
	s.registry.RegisterCallback(testIn, func(data []byte) { second += len(data) })

	s.Assert().Equal([]ID{testIn}, s.registry.Callbacks(), "one callback MUST be registered")
	s.Assert().True(s.registry.Dispatch(testIn, []byte{1, 2}), "dispatch MUST find callback")
	s.Assert().Equal(0, first, "replaced callback MUST NOT be invoked")
	s.Assert().Equal(2, second, "replacement callback MUST receive payload")

	s.registry.UnregisterCallback(testIn)
	s.registry.UnregisterCallback(testIn)

	s.Assert().False(s.registry.Dispatch(testIn, []byte{1}), "dispatch MUST miss after unregister")
	s.Assert().Empty(s.registry.Callbacks(), "no callbacks MUST remain")
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
