package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) RequestConnect() error { return m.Called().Error(0) }
func (m *mockController) RequestDisconnect() error { return m.Called().Error(0) }
func (m *mockController) ClearPeer() error { return m.Called().Error(0) }
func (m *mockController) RequestBatteryLevel() error { return m.Called().Error(0) }
func (m *mockController) RequestStatus() error { return m.Called().Error(0) }

func (m *mockController) SelectPeer(p link.PeerIdentity) error {
	return m.Called(p).Error(0)
}

type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) Push(sender, destination string, payload []byte) error {
	return m.Called(sender, destination, payload).Error(0)
}

func TestDispatcher_Handle(t *testing.T) {
	peer := link.PeerIdentity{Address: "AA:BB:CC:DD:EE:FF", Name: "catfish"}

	tests := []struct {
		cmd    Command
		method string
		args   []any
	}{
		{Command{Type: CmdConnect}, "RequestConnect", nil},
		{Command{Type: CmdDisconnect}, "RequestDisconnect", nil},
		{Command{Type: CmdSelectPeer, Peer: &peer}, "SelectPeer", []any{peer}},
		{Command{Type: CmdClearPeer}, "ClearPeer", nil},
		{Command{Type: CmdRequestBatteryLevel}, "RequestBatteryLevel", nil},
		{Command{Type: CmdRequestStatus}, "RequestStatus", nil},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.Type.String(), func(t *testing.T) {
			ctrl := &mockController{}
			ctrl.On(tt.method, tt.args...).Return(nil).Once()

			err := NewDispatcher(ctrl, nil, logrus.New()).Handle(tt.cmd)

			require.NoError(t, err)
			ctrl.AssertExpectations(t)
		})
	}

	t.Run("select-peer without peer", func(t *testing.T) {
		err := NewDispatcher(&mockController{}, nil, logrus.New()).Handle(Command{Type: CmdSelectPeer})
		assert.ErrorIs(t, err, link.ErrNoPeer)
	})

	t.Run("push-message", func(t *testing.T) {
		pusher := &mockPusher{}
		pusher.On("Push", "org.example.app", "*", []byte("hi")).Return(nil).Once()

		err := NewDispatcher(&mockController{}, pusher, logrus.New()).Handle(Command{
			Type:    CmdPushMessage,
			Message: &Message{Sender: "org.example.app", Destination: "*", Payload: []byte("hi")},
		})

		require.NoError(t, err)
		pusher.AssertExpectations(t)
	})

	t.Run("push-message without service", func(t *testing.T) {
		err := NewDispatcher(&mockController{}, nil, logrus.New()).Handle(Command{
			Type:    CmdPushMessage,
			Message: &Message{Payload: []byte("x")},
		})
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		err := NewDispatcher(&mockController{}, nil, logrus.New()).Handle(Command{Type: 99})
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})
}

func TestDispatcher_Run(t *testing.T) {
	// GOAL: Verify failing and panicking commands do not stop the dispatcher
	//
	// TEST SCENARIO: connect fails, battery panics, status succeeds → all three applied in order

	ctrl := &mockController{}
	var order []string
	ctrl.On("RequestConnect").Run(func(mock.Arguments) { order = append(order, "connect") }).
		Return(errors.New("boom")).Once()
	ctrl.On("RequestBatteryLevel").Run(func(mock.Arguments) {
		order = append(order, "battery")
		panic("misbehaving controller")
	}).Once()
	done := make(chan struct{})
	ctrl.On("RequestStatus").Run(func(mock.Arguments) {
		order = append(order, "status")
		close(done)
	}).Return(nil).Once()

	inbox := NewInbox(8, logrus.New())
	for _, c := range []CommandType{CmdConnect, CmdRequestBatteryLevel, CmdRequestStatus} {
		require.NoError(t, inbox.Post(context.Background(), Command{Type: c}, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan struct{})
	go func() {
		NewDispatcher(ctrl, nil, logrus.New()).Run(ctx, inbox)
		close(finished)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher MUST keep consuming after errors and panics")
	}
	cancel()
	<-finished

	assert.Equal(t, []string{"connect", "battery", "status"}, order)
}
