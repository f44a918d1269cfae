package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
	"github.com/srg/blesync/internal/link"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

// disconnectingClient also exposes the Disconnected() channel darwin clients have.
type disconnectingClient struct {
	*mockClient
	disconnected chan struct{}
}

func (c *disconnectingClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

var (
	batteryChar = &ble.Characteristic{UUID: ble.UUID16(0x2a19), Property: ble.CharRead | ble.CharNotify}
	outChar     = &ble.Characteristic{UUID: ble.MustParse("00007001-0000-0000-0000-00a57e401d05"), Property: ble.CharWrite | ble.CharWriteNR}
	inChar      = &ble.Characteristic{UUID: ble.MustParse("00007002-0000-0000-0000-00a57e401d05"), Property: ble.CharIndicate}

	outID = channel.MustParseID("00007001-0000-0000-0000-00a57e401d05")
	inID  = channel.MustParseID("00007002-0000-0000-0000-00a57e401d05")
)

func testProfile() *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{
		{UUID: ble.UUID16(0x180f), Characteristics: []*ble.Characteristic{batteryChar}},
		{UUID: ble.MustParse("00007071-0000-0000-0000-00a57e401d05"), Characteristics: []*ble.Characteristic{outChar, inChar}},
	}}
}

type LinkTestSuite struct {
	suite.Suite

	client    *mockClient
	transport *Transport

	origDial    func(context.Context, string) (Client, error)
	origFactory func() (ble.Device, error)
}

func (s *LinkTestSuite) SetupTest() {
	s.origDial, s.origFactory = Dial, DeviceFactory
	s.client = &mockClient{}
	DeviceFactory = func() (ble.Device, error) { return nil, nil }
	Dial = func(ctx context.Context, addr string) (Client, error) { return s.client, nil }

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.transport = NewTransport(logger)
}

func (s *LinkTestSuite) TearDownTest() {
	Dial, DeviceFactory = s.origDial, s.origFactory
}

func (s *LinkTestSuite) connect() *Link {
	l, err := s.transport.Connect(context.Background(), link.PeerIdentity{Address: "AA:BB:CC:DD:EE:FF", Name: "catfish"})
	s.Require().NoError(err, "connect MUST succeed")
	return l.(*Link)
}

func (s *LinkTestSuite) discovered() *Link {
	s.client.On("DiscoverProfile", true).Return(testProfile(), nil).Once()
	l := s.connect()
	_, err := l.DiscoverChannels(context.Background())
	s.Require().NoError(err)
	return l
}

func (s *LinkTestSuite) TestConnectEmptyAddress() {
	_, err := s.transport.Connect(context.Background(), link.PeerIdentity{Address: "  "})
	s.ErrorIs(err, link.ErrNoPeer, "empty address MUST be rejected before dialing")
}

func (s *LinkTestSuite) TestConnectNormalizesDialError() {
	Dial = func(ctx context.Context, addr string) (Client, error) {
		return nil, errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	}

	_, err := s.transport.Connect(context.Background(), link.PeerIdentity{Address: "AA:BB:CC:DD:EE:FF"})
	s.ErrorIs(err, ErrBluetoothOff, "dial errors MUST be normalized")
}

func (s *LinkTestSuite) TestConnectDeviceFactoryErrorIsRetried() {
	// GOAL: Verify a failed device open is not cached
	//
	// TEST SCENARIO: factory fails once → connect fails → factory succeeds → connect succeeds

	calls := 0
	DeviceFactory = func() (ble.Device, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("bluetooth is turned off")
		}
		return nil, nil
	}

	_, err := s.transport.Connect(context.Background(), link.PeerIdentity{Address: "AA:BB:CC:DD:EE:FF"})
	s.ErrorIs(err, ErrBluetoothOff)

	s.connect()
	s.Equal(2, calls, "device factory MUST be retried after a failure")
}

func (s *LinkTestSuite) TestDiscoverChannels() {
	// GOAL: Verify go-ble characteristics become exposed channels with mapped properties
	//
	// TEST SCENARIO: Profile with battery, write and indicate characteristics → three channels

	s.client.On("DiscoverProfile", true).Return(testProfile(), nil).Once()
	l := s.connect()

	exposed, err := l.DiscoverChannels(context.Background())

	s.Require().NoError(err)
	s.Equal([]link.ExposedChannel{
		{Service: channel.MustParseID("180f"), ID: channel.MustParseID("2a19"), Properties: link.PropRead | link.PropNotify},
		{Service: channel.MustParseID("00007071-0000-0000-0000-00a57e401d05"), ID: outID, Properties: link.PropWrite | link.PropWriteNoResponse},
		{Service: channel.MustParseID("00007071-0000-0000-0000-00a57e401d05"), ID: inID, Properties: link.PropIndicate},
	}, exposed, "every characteristic MUST be exposed with its properties")
}

func (s *LinkTestSuite) TestWriteBeforeDiscoveryIsNotExposed() {
	l := s.connect()
	err := l.Write(context.Background(), outID, []byte{1}, true)
	s.ErrorIs(err, link.ErrChannelNotExposed, "unknown channels MUST be rejected")
}

func (s *LinkTestSuite) TestWriteType() {
	// GOAL: Verify withResponse maps onto go-ble's noRsp flag
	//
	// TEST SCENARIO: write with and without response → noRsp false then true

	l := s.discovered()
	s.client.On("WriteCharacteristic", outChar, []byte("a"), false).Return(nil).Once()
	s.client.On("WriteCharacteristic", outChar, []byte("b"), true).Return(nil).Once()

	s.NoError(l.Write(context.Background(), outID, []byte("a"), true))
	s.NoError(l.Write(context.Background(), outID, []byte("b"), false))
	s.client.AssertExpectations(s.T())
}

func (s *LinkTestSuite) TestWriteErrorIsNormalized() {
	l := s.discovered()
	s.client.On("WriteCharacteristic", outChar, mock.Anything, false).Return(errors.New("device not connected"))

	err := l.Write(context.Background(), outID, []byte("a"), true)
	s.ErrorIs(err, ErrNotConnected)
}

func (s *LinkTestSuite) TestSubscribeIndicateOnlyAndCopiesPayload() {
	// GOAL: Verify indicate-only characteristics subscribe with indications and payloads are copied
	//
	// TEST SCENARIO: subscribe to indicate-only channel → peer sends buffer → buffer reused → handler copy intact

	l := s.discovered()
	var handler ble.NotificationHandler
	s.client.On("Subscribe", inChar, true, mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(2).(ble.NotificationHandler) }).
		Return(nil).Once()

	var got []byte
	s.Require().NoError(l.Subscribe(context.Background(), inID, func(b []byte) { got = b }))
	s.Require().NotNil(handler)

	buf := []byte{1, 2, 3}
	handler(buf)
	buf[0] = 9

	s.Equal([]byte{1, 2, 3}, got, "handler MUST receive its own copy")
}

func (s *LinkTestSuite) TestSubscribeNotifyPreferred() {
	l := s.discovered()
	s.client.On("Subscribe", batteryChar, false, mock.Anything).Return(nil).Once()

	s.NoError(l.Subscribe(context.Background(), link.BatteryLevelID, func([]byte) {}))
	s.client.AssertExpectations(s.T())
}

func (s *LinkTestSuite) TestRequestMTUHonorsContext() {
	// GOAL: Verify a stuck go-ble call does not block past the caller's deadline
	//
	// TEST SCENARIO: ExchangeMTU blocks → 50ms deadline → DeadlineExceeded

	block := make(chan time.Time)
	defer close(block)
	s.client.On("ExchangeMTU", 256).WaitUntil(block).Return(256, nil)
	l := s.connect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.RequestMTU(ctx, 256)
	s.ErrorIs(err, context.DeadlineExceeded, "blocked call MUST give up at the deadline")
}

func (s *LinkTestSuite) TestAbandonedWriteEndsLink() {
	// GOAL: Verify a write that outlives its deadline cannot overlap the next write
	//
	// TEST SCENARIO: WriteCharacteristic blocks → 50ms deadline → link closed with the timeout,
	// connection cancelled, next write fails without reaching go-ble

	l := s.discovered()
	block := make(chan time.Time)
	defer close(block)
	s.client.On("WriteCharacteristic", outChar, []byte("a"), false).WaitUntil(block).Return(nil).Once()
	cancelled := make(chan struct{})
	s.client.On("CancelConnection").Return(nil).Run(func(mock.Arguments) { close(cancelled) }).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Write(ctx, outID, []byte("a"), true)
	s.ErrorIs(err, context.DeadlineExceeded)

	select {
	case <-l.Done():
	default:
		s.FailNow("Done MUST be closed after an abandoned write")
	}
	s.ErrorIs(l.Err(), context.DeadlineExceeded, "link error MUST carry the write timeout")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		s.Fail("connection MUST be cancelled after an abandoned write")
	}

	err = l.Write(context.Background(), outID, []byte("b"), true)
	s.ErrorIs(err, ErrNotConnected, "later writes MUST fail once the link is dropped")
	s.client.AssertNumberOfCalls(s.T(), "WriteCharacteristic", 1)
}

func (s *LinkTestSuite) TestRequestMTU() {
	s.client.On("ExchangeMTU", 256).Return(185, nil)
	l := s.connect()

	mtu, err := l.RequestMTU(context.Background(), 256)
	s.NoError(err)
	s.Equal(185, mtu)
}

func (s *LinkTestSuite) TestDisconnect() {
	// GOAL: Verify disconnect drops subscriptions with the same mode they were made with
	//
	// TEST SCENARIO: subscribe battery (notify) and in (indicate) → disconnect → unsubscribes + cancel → Done closed

	l := s.discovered()
	s.client.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	s.Require().NoError(l.Subscribe(context.Background(), link.BatteryLevelID, func([]byte) {}))
	s.Require().NoError(l.Subscribe(context.Background(), inID, func([]byte) {}))

	s.client.On("Unsubscribe", batteryChar, false).Return(nil).Once()
	s.client.On("Unsubscribe", inChar, true).Return(nil).Once()
	s.client.On("CancelConnection").Return(nil).Once()

	s.NoError(l.Disconnect())

	s.client.AssertExpectations(s.T())
	select {
	case <-l.Done():
	default:
		s.Fail("Done MUST be closed after Disconnect")
	}
	s.NoError(l.Err(), "local disconnect MUST not report an error")
}

func (s *LinkTestSuite) TestPeerDisconnectClosesDone() {
	// GOAL: Verify a platform disconnect notification ends the link
	//
	// TEST SCENARIO: client Disconnected() fires → Done closed, Err is ErrNotConnected, pending calls fail

	dc := &disconnectingClient{mockClient: s.client, disconnected: make(chan struct{})}
	Dial = func(ctx context.Context, addr string) (Client, error) { return dc, nil }
	block := make(chan time.Time)
	defer close(block)
	s.client.On("ExchangeMTU", 256).WaitUntil(block).Return(256, nil)
	l := s.connect()

	errCh := make(chan error, 1)
	go func() {
		_, err := l.RequestMTU(context.Background(), 256)
		errCh <- err
	}()
	close(dc.disconnected)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		s.FailNow("Done MUST be closed after the peer disconnects")
	}
	s.ErrorIs(l.Err(), ErrNotConnected)

	select {
	case err := <-errCh:
		s.ErrorIs(err, ErrNotConnected, "in-flight calls MUST fail when the link goes away")
	case <-time.After(time.Second):
		s.Fail("in-flight call MUST return")
	}
}

func TestLinkTestSuite(t *testing.T) {
	suite.Run(t, new(LinkTestSuite))
}
