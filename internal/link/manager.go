package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/channel"
	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/service"
)

const (
	// DefaultConnectTimeout bounds a single transport connect attempt.
	DefaultConnectTimeout = 100 * time.Second

	// DefaultRetryCount is the number of retries after the first failed attempt.
	DefaultRetryCount = 3

	// DefaultRetryDelay is the fixed pause between connect attempts.
	DefaultRetryDelay = 200 * time.Millisecond

	// DefaultDisconnectTimeout bounds waiting for the transport to release a link.
	DefaultDisconnectTimeout = 5 * time.Second

	eventQueueSize = 64
)

var errNotStarted = errors.New("link manager not started")

// Options configures a Manager.
type Options struct {
	ConnectTimeout    time.Duration
	RetryCount        int
	RetryDelay        time.Duration
	DisconnectTimeout time.Duration

	// Negotiator runs the per-connection handshake. Nil uses NewNegotiator.
	Negotiator *Negotiator
}

// DefaultOptions returns the default connect policy.
func DefaultOptions() *Options {
	return &Options{
		ConnectTimeout:    DefaultConnectTimeout,
		RetryCount:        DefaultRetryCount,
		RetryDelay:        DefaultRetryDelay,
		DisconnectTimeout: DefaultDisconnectTimeout,
	}
}

// Manager is the connection state machine. It owns the single peer link and
// applies every transition on one event-loop goroutine: controller requests,
// transport callbacks and notifications are all posted onto that loop.
//
// Only the loop writes the state; State and MaxPayloadSize read snapshots.
type Manager struct {
	transport  Transport
	store      PeerStore
	channels   *channel.Registry
	services   *service.Registry
	negotiator *Negotiator
	opts       Options
	logger     *logrus.Logger

	events    chan func()
	done      chan struct{}
	loopGID   atomic.Uint64
	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	stop      context.CancelFunc
	ctx       context.Context
	releases  sync.WaitGroup

	state       atomic.Int32
	payloadSize atomic.Int32

	// loop-owned
	observer      Observer
	peer          PeerIdentity
	battery       int
	generation    uint64
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
	link          Link
	ready         bool
	pending       []func()
}

// NewManager creates a manager. Call Start before issuing requests.
func NewManager(transport Transport, store PeerStore, channels *channel.Registry, services *service.Registry, opts *Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = DefaultDisconnectTimeout
	}
	negotiator := o.Negotiator
	if negotiator == nil {
		negotiator = NewNegotiator(logger)
	}

	m := &Manager{
		transport:  transport,
		store:      store,
		channels:   channels,
		services:   services,
		negotiator: negotiator,
		opts:       o,
		logger:     logger,
		events:     make(chan func(), eventQueueSize),
		done:       make(chan struct{}),
		observer:   nopObserver{},
	}
	m.state.Store(int32(Disconnected))
	m.payloadSize.Store(DefaultPayloadSize)
	return m
}

// Start loads the remembered peer and launches the event loop.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	peer, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load remembered peer: %w", err)
	}

	started := false
	m.startOnce.Do(func() {
		started = true
		m.peer = peer
		m.ctx, m.stop = context.WithCancel(ctx)
		gidCh := make(chan struct{})
		groutine.Go(m.ctx, "link-manager", func(ctx context.Context) {
			m.loopGID.Store(groutine.GetGID())
			close(gidCh)
			m.run(ctx)
		})
		<-gidCh
		m.started.Store(true)
	})
	if !started {
		return errors.New("link manager already started")
	}

	if !peer.IsZero() {
		m.logger.WithFields(logrus.Fields{
			"address": peer.Address,
			"name":    peer.Name,
		}).Info("Remembered peer loaded")
	}
	return nil
}

// Close disconnects the current link, if any, and stops the event loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		if m.stop == nil {
			close(m.done)
			return
		}
		_ = m.do(func() { m.disconnect("manager closing") })
		m.releases.Wait()
		m.stop()
		<-m.done
	})
}

// SetObserver installs the status sink. Nil discards events.
func (m *Manager) SetObserver(o Observer) error {
	if o == nil {
		o = nopObserver{}
	}
	return m.do(func() { m.observer = o })
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// MaxPayloadSize returns the negotiated payload ceiling, or DefaultPayloadSize
// unless a link is connected and negotiated.
func (m *Manager) MaxPayloadSize() int {
	return int(m.payloadSize.Load())
}

// IsReady reports whether the link is connected and negotiated.
func (m *Manager) IsReady() bool {
	var ready bool
	_ = m.do(func() { ready = m.ready })
	return ready
}

// Peer returns the remembered peer.
func (m *Manager) Peer() PeerIdentity {
	var p PeerIdentity
	_ = m.do(func() { p = m.peer })
	return p
}

// RequestConnect starts a connect attempt to the remembered peer. It returns
// once the state machine has entered Connecting, so concurrent callers observe
// the in-flight attempt. No-op while Connecting or Connected, or without a
// remembered peer.
func (m *Manager) RequestConnect() error {
	return m.request(m.connect)
}

// RequestDisconnect tears the link down: services are unsynced first, then
// queued writes and any in-flight negotiation are cancelled, then the
// transport is released. No-op while Disconnected.
func (m *Manager) RequestDisconnect() error {
	return m.request(func() { m.disconnect("requested") })
}

// SelectPeer remembers a new peer. It is persisted immediately, independent
// of any connection outcome.
func (m *Manager) SelectPeer(peer PeerIdentity) error {
	if peer.IsZero() {
		return fmt.Errorf("select peer: empty address: %w", ErrNoPeer)
	}
	var err error
	if doErr := m.request(func() {
		if err = m.store.Save(peer); err != nil {
			err = fmt.Errorf("failed to persist peer: %w", err)
			return
		}
		m.peer = peer
		m.logger.WithFields(logrus.Fields{
			"address": peer.Address,
			"name":    peer.Name,
		}).Info("Peer selected")
		m.observer.PeerNameChanged(peer.DisplayName())
		m.observer.StatusChanged(m.State())
	}); doErr != nil {
		return doErr
	}
	return err
}

// ClearPeer forgets the remembered peer, disconnecting first if needed.
func (m *Manager) ClearPeer() error {
	var err error
	if doErr := m.request(func() {
		switch m.State() {
		case Connecting, Connected:
			m.disconnect("peer cleared")
		}
		if err = m.store.Clear(); err != nil {
			err = fmt.Errorf("failed to clear peer: %w", err)
		}
		m.peer = PeerIdentity{}
		m.logger.Info("Peer cleared")
	}); doErr != nil {
		return doErr
	}
	return err
}

// RequestBatteryLevel publishes the cached battery level. The transport is
// never touched.
func (m *Manager) RequestBatteryLevel() error {
	return m.do(func() { m.observer.BatteryLevelChanged(m.battery) })
}

// RequestStatus publishes the current state when a peer is remembered.
func (m *Manager) RequestStatus() error {
	return m.do(func() {
		if m.peer.IsZero() {
			return
		}
		m.observer.StatusChanged(m.State())
	})
}

// BatteryLevel returns the last known battery percentage.
func (m *Manager) BatteryLevel() int {
	var level int
	_ = m.do(func() { level = m.battery })
	return level
}

// run is the event loop. Every transition happens here.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.events:
			m.apply(fn)
		}
	}
}

func (m *Manager) apply(fn func()) {
	m.applyOne(fn)
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.applyOne(next)
	}
}

func (m *Manager) applyOne(fn func()) {
	defer groutine.Recover(m.logger, "link-manager event")
	fn()
}

func (m *Manager) onLoop() bool {
	gid := m.loopGID.Load()
	return gid != 0 && gid == groutine.GetGID()
}

// do runs fn on the loop and waits for it. Calls made from the loop itself,
// e.g. by a service during Sync, run inline.
func (m *Manager) do(fn func()) error {
	if m.onLoop() {
		fn()
		return nil
	}
	if !m.started.Load() {
		return errNotStarted
	}
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case m.events <- wrapped:
	case <-m.done:
		return ErrManagerClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrManagerClosed
	}
}

// request is do for state-changing requests. When called from the loop, e.g.
// by a service during Sync or by the observer, fn is deferred until the
// current event has been applied so transitions never nest.
func (m *Manager) request(fn func()) error {
	if m.onLoop() {
		m.pending = append(m.pending, fn)
		return nil
	}
	return m.do(fn)
}

// post queues fn without waiting. Used by transport-side goroutines.
func (m *Manager) post(fn func()) {
	if m.onLoop() {
		fn()
		return
	}
	select {
	case m.events <- fn:
	case <-m.done:
	}
}

func (m *Manager) setState(s ConnectionState) {
	prev := ConnectionState(m.state.Swap(int32(s)))
	if prev == s {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   s.String(),
	}).Info("Connection state changed")
	m.observer.StatusChanged(s)
}

func (m *Manager) connect() {
	switch state := m.State(); state {
	case Connecting, Connected, Disconnecting:
		m.logger.WithField("state", state.String()).Debug("Connect request ignored")
		return
	}
	if m.peer.IsZero() {
		m.logger.Debug("Connect request ignored, no remembered peer")
		return
	}

	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(m.ctx)
	m.attemptCtx, m.attemptCancel = ctx, cancel
	m.setState(Connecting)

	peer := m.peer
	groutine.GoSafe(ctx, "link-connect", m.logger, func(ctx context.Context) {
		m.attempt(ctx, gen, peer)
	})
}

// attempt runs the bounded retry policy off the loop and posts the outcome.
func (m *Manager) attempt(ctx context.Context, gen uint64, peer PeerIdentity) {
	attempts := m.opts.RetryCount + 1
	var lastErr error

	for i := 1; i <= attempts; i++ {
		logger := m.logger.WithFields(logrus.Fields{
			"address": peer.Address,
			"attempt": i,
		})

		if pairer, ok := m.transport.(Pairer); ok {
			if err := pairer.Pair(ctx, peer); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).Warn("Pairing failed, connecting anyway")
			}
		}

		connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		l, err := m.transport.Connect(connectCtx, peer)
		cancel()
		if err == nil {
			m.post(func() { m.onLinkEstablished(gen, l) })
			return
		}
		if ctx.Err() != nil {
			return
		}

		lastErr = err
		logger.WithError(err).Warn("Connect attempt failed")

		if i < attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.opts.RetryDelay):
			}
		}
	}

	err := &ConnectError{Peer: peer, Attempts: attempts, Err: lastErr}
	m.post(func() { m.onConnectFailed(gen, err) })
}

func (m *Manager) onLinkEstablished(gen uint64, l Link) {
	if gen != m.generation || m.State() != Connecting {
		m.logger.Debug("Releasing link from superseded attempt")
		groutine.Go(context.Background(), "link-release", func(context.Context) { _ = l.Disconnect() })
		return
	}

	m.link = l
	m.ready = false
	m.setState(Connected)

	ctx := m.attemptCtx
	groutine.GoSafe(ctx, "link-monitor", m.logger, func(ctx context.Context) {
		select {
		case <-l.Done():
			reason := l.Err()
			m.post(func() { m.onLinkLost(gen, reason) })
		case <-ctx.Done():
		}
	})

	decls := m.services.Declarations()
	callbacks := m.channels.Callbacks()
	groutine.GoSafe(ctx, "link-negotiate", m.logger, func(ctx context.Context) {
		result, err := m.negotiator.Negotiate(ctx, l, decls, callbacks, func(id channel.ID, data []byte) {
			m.post(func() { m.onNotification(gen, id, data) })
		})
		if ctx.Err() != nil {
			return
		}
		m.post(func() { m.onNegotiated(gen, l, result, err) })
	})
}

func (m *Manager) onNegotiated(gen uint64, l Link, result *Negotiation, err error) {
	if gen != m.generation || m.State() != Connected || m.ready {
		return
	}

	if err != nil {
		m.logger.WithError(err).Error("Capability negotiation failed")
		if errors.Is(err, ErrUnsupportedPeer) {
			m.observer.LinkFailed(err)
		} else {
			m.observer.LinkFailed(fmt.Errorf("negotiation failed: %w", err))
		}
		m.disconnect("negotiation failed")
		return
	}

	m.channels.Bind(m.attemptCtx, l, result.Outbound, result.Inbound)
	m.payloadSize.Store(int32(result.PayloadSize))
	m.ready = true
	m.onLinkReady(gen, l)
}

// onLinkReady re-affirms Connected, syncs every service and republishes the
// cached battery level.
func (m *Manager) onLinkReady(gen uint64, l Link) {
	m.logger.WithField("payload_size", m.MaxPayloadSize()).Info("Link ready")
	m.observer.StatusChanged(Connected)
	m.services.SyncAll()
	m.observer.BatteryLevelChanged(m.battery)

	battery := m.negotiator.Mandatory
	groutine.GoSafe(m.attemptCtx, "link-battery-read", m.logger, func(ctx context.Context) {
		data, err := l.Read(ctx, battery)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.WithError(err).Debug("Initial battery read failed")
			}
			return
		}
		m.post(func() { m.onNotification(gen, battery, data) })
	})
}

func (m *Manager) onNotification(gen uint64, id channel.ID, data []byte) {
	if gen != m.generation || m.State() != Connected {
		return
	}
	if id == m.negotiator.Mandatory {
		m.onBattery(data)
		return
	}
	if !m.ready || !m.channels.IsBound(id) {
		m.logger.WithField("channel_id", id.Short()).Debug("Dropping notification on unbound channel")
		return
	}
	m.channels.Dispatch(id, data)
}

func (m *Manager) onBattery(data []byte) {
	if len(data) == 0 {
		m.logger.Warn("Empty battery level notification")
		return
	}
	level := int(data[0])
	if level > 100 {
		m.logger.WithField("battery", level).Warn("Battery level out of range, clamping")
		level = 100
	}
	m.battery = level
	m.logger.WithField("battery", level).Debug("Battery level updated")
	m.observer.BatteryLevelChanged(level)
}

func (m *Manager) onLinkLost(gen uint64, reason error) {
	if gen != m.generation || m.State() == Disconnected {
		return
	}
	m.logger.WithError(reason).Warn("Link lost")

	m.generation++
	m.cancelAttempt()
	m.link = nil
	m.ready = false
	m.payloadSize.Store(DefaultPayloadSize)
	m.channels.Unbind()
	m.services.UnsyncAll()
	m.setState(Disconnected)
}

func (m *Manager) onConnectFailed(gen uint64, err error) {
	if gen != m.generation || m.State() != Connecting {
		return
	}
	m.logger.WithError(err).Error("Connect failed")

	m.cancelAttempt()
	m.setState(Disconnected)
	m.observer.LinkFailed(err)
}

// disconnect implements the clean teardown path.
func (m *Manager) disconnect(reason string) {
	switch m.State() {
	case Disconnected, Disconnecting:
		return
	case Connecting:
		m.logger.WithField("reason", reason).Info("Cancelling connect attempt")
		m.generation++
		m.cancelAttempt()
		m.setState(Disconnected)
		return
	}

	m.logger.WithField("reason", reason).Info("Disconnecting")
	m.setState(Disconnecting)

	m.services.UnsyncAll()
	m.channels.Unbind()
	m.cancelAttempt()

	m.generation++
	gen := m.generation
	l := m.link
	m.link = nil
	m.ready = false
	m.payloadSize.Store(DefaultPayloadSize)

	timeout := m.opts.DisconnectTimeout
	m.releases.Add(1)
	groutine.GoSafe(context.Background(), "link-disconnect", m.logger, func(context.Context) {
		defer m.releases.Done()
		if l != nil {
			errCh := make(chan error, 1)
			groutine.Go(context.Background(), "link-disconnect-call", func(context.Context) { errCh <- l.Disconnect() })
			select {
			case err := <-errCh:
				if err != nil {
					m.logger.WithError(err).Warn("Transport disconnect failed")
				}
			case <-l.Done():
			case <-time.After(timeout):
				m.logger.Warn("Transport disconnect timed out")
			}
		}
		m.post(func() { m.onDisconnected(gen) })
	})
}

func (m *Manager) onDisconnected(gen uint64) {
	if gen != m.generation || m.State() != Disconnecting {
		return
	}
	m.setState(Disconnected)
}

func (m *Manager) cancelAttempt() {
	if m.attemptCancel != nil {
		m.attemptCancel()
	}
	m.attemptCtx, m.attemptCancel = nil, nil
}

type nopObserver struct{}

func (nopObserver) StatusChanged(ConnectionState) {}
func (nopObserver) PeerNameChanged(string) {}
func (nopObserver) BatteryLevelChanged(int) {}
func (nopObserver) LinkFailed(error) {}
