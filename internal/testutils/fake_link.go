//go:build test

package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/srg/blesync/internal/channel"
	"github.com/srg/blesync/internal/link"
)

// ErrLinkClosed is returned by FakeLink operations after the link went away.
var ErrLinkClosed = errors.New("fake link closed")

// RecordedWrite is one payload written through a FakeLink.
type RecordedWrite struct {
	ID           channel.ID
	Data         []byte
	WithResponse bool
}

// FakeLink is an in-memory link.Link. Tests drive inbound traffic with Notify
// and abrupt loss with Drop.
type FakeLink struct {
	mu sync.Mutex

	exposed     []link.ExposedChannel
	values      map[channel.ID][]byte
	mtu         int
	mtuErr      error
	discoverErr error
	writeErr    error

	// discoverGate, when set, blocks DiscoverChannels until closed.
	discoverGate chan struct{}

	handlers      map[channel.ID]func([]byte)
	subscriptions []channel.ID
	writes        []RecordedWrite
	reads         int
	disconnects   int

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newFakeLink(p *PeerProfileConfig) *FakeLink {
	l := &FakeLink{
		values:   make(map[channel.ID][]byte),
		handlers: make(map[channel.ID]func([]byte)),
		mtu:      p.MTU,
		done:     make(chan struct{}),
	}
	if p.MTUError != "" {
		l.mtuErr = errors.New(p.MTUError)
	}
	for _, svc := range p.Services {
		sid := channel.MustParseID(svc.UUID)
		for _, ch := range svc.Channels {
			id := channel.MustParseID(ch.UUID)
			l.exposed = append(l.exposed, link.ExposedChannel{
				Service:    sid,
				ID:         id,
				Properties: ParseProperties(ch.Properties),
			})
			if ch.Value != nil {
				l.values[id] = ch.Value
			}
		}
	}
	return l
}

func (l *FakeLink) RequestMTU(ctx context.Context, mtu int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mtuErr != nil {
		return 0, l.mtuErr
	}
	if l.mtu == 0 || mtu < l.mtu {
		return mtu, nil
	}
	return l.mtu, nil
}

func (l *FakeLink) DiscoverChannels(ctx context.Context) ([]link.ExposedChannel, error) {
	l.mu.Lock()
	gate := l.discoverGate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.done:
			return nil, ErrLinkClosed
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.discoverErr != nil {
		return nil, l.discoverErr
	}
	out := make([]link.ExposedChannel, len(l.exposed))
	copy(out, l.exposed)
	return out, nil
}

func (l *FakeLink) Write(ctx context.Context, id channel.ID, data []byte, withResponse bool) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.find(id); !ok {
		return fmt.Errorf("write %s: %w", id.Short(), link.ErrChannelNotExposed)
	}
	l.writes = append(l.writes, RecordedWrite{ID: id, Data: data, WithResponse: withResponse})
	return l.writeErr
}

func (l *FakeLink) Read(ctx context.Context, id channel.ID) ([]byte, error) {
	if l.isClosed() {
		return nil, ErrLinkClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	v, ok := l.values[id]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", id.Short(), link.ErrChannelNotExposed)
	}
	return v, nil
}

func (l *FakeLink) Subscribe(ctx context.Context, id channel.ID, handler func([]byte)) error {
	if l.isClosed() {
		return ErrLinkClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.find(id)
	if !ok {
		return fmt.Errorf("subscribe %s: %w", id.Short(), link.ErrChannelNotExposed)
	}
	if !ch.Properties.CanNotify() {
		return fmt.Errorf("subscribe %s: notify not supported", id.Short())
	}
	l.handlers[id] = handler
	l.subscriptions = append(l.subscriptions, id)
	return nil
}

func (l *FakeLink) Disconnect() error {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
	l.close(nil)
	return nil
}

func (l *FakeLink) Done() <-chan struct{} {
	return l.done
}

func (l *FakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Notify delivers data on id as the peer would. Reports whether a
// subscription existed.
func (l *FakeLink) Notify(id channel.ID, data []byte) bool {
	l.mu.Lock()
	h, ok := l.handlers[id]
	l.mu.Unlock()
	if !ok || l.isClosed() {
		return false
	}
	h(data)
	return true
}

// Drop simulates abrupt link loss.
func (l *FakeLink) Drop(reason error) {
	l.close(reason)
}

// SetWriteError makes every later write fail with err.
func (l *FakeLink) SetWriteError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

// SetDiscoverError makes DiscoverChannels fail with err.
func (l *FakeLink) SetDiscoverError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.discoverErr = err
}

// Writes returns a snapshot of all delivered writes.
func (l *FakeLink) Writes() []RecordedWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RecordedWrite, len(l.writes))
	copy(out, l.writes)
	return out
}

// Subscriptions returns subscribed channels in subscription order.
func (l *FakeLink) Subscriptions() []channel.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]channel.ID, len(l.subscriptions))
	copy(out, l.subscriptions)
	return out
}

// Reads returns how many reads were issued.
func (l *FakeLink) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// Disconnects returns how many times Disconnect was called.
func (l *FakeLink) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// IsClosed reports whether the link is gone.
func (l *FakeLink) IsClosed() bool {
	return l.isClosed()
}

func (l *FakeLink) find(id channel.ID) (link.ExposedChannel, bool) {
	for _, ch := range l.exposed {
		if ch.ID == id {
			return ch, true
		}
	}
	return link.ExposedChannel{}, false
}

func (l *FakeLink) close(reason error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = reason
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *FakeLink) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

var _ link.Link = (*FakeLink)(nil)
