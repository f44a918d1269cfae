//go:build test

package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/blesync/internal/link"
)

// ErrConnectRefused is the default error of a failing FakeTransport connect.
var ErrConnectRefused = errors.New("fake connect refused")

// FakeTransport is an in-memory link.Transport and link.Pairer. Every
// successful Connect returns a fresh FakeLink built from the profile.
type FakeTransport struct {
	mu sync.Mutex

	profile PeerProfileConfig

	failures   int
	connectErr error
	gate       chan struct{}
	connects   int
	pairs      int
	links      []*FakeLink

	discoverGate chan struct{}
}

// NewFakeTransport creates a transport serving profile.
func NewFakeTransport(profile PeerProfileConfig) *FakeTransport {
	return &FakeTransport{profile: profile}
}

func (t *FakeTransport) Connect(ctx context.Context, peer link.PeerIdentity) (link.Link, error) {
	t.mu.Lock()
	t.connects++
	gate := t.gate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	if t.failures > 0 {
		t.failures--
		err := t.connectErr
		t.mu.Unlock()
		return nil, err
	}
	l := newFakeLink(&t.profile)
	l.discoverGate = t.discoverGate
	t.links = append(t.links, l)
	t.mu.Unlock()
	return l, nil
}

func (t *FakeTransport) Pair(ctx context.Context, peer link.PeerIdentity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairs++
	return nil
}

// FailNext makes the next n connects fail with err (ErrConnectRefused when nil).
func (t *FakeTransport) FailNext(n int, err error) {
	if err == nil {
		err = ErrConnectRefused
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
	t.connectErr = err
}

// Block makes Connect wait until the returned release func is called.
func (t *FakeTransport) Block() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.gate = gate
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.gate = nil
			t.mu.Unlock()
			close(gate)
		})
	}
}

// BlockDiscovery makes DiscoverChannels of every later link wait until the
// returned release func is called.
func (t *FakeTransport) BlockDiscovery() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.discoverGate = gate
	t.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Connects returns how many connect attempts were issued.
func (t *FakeTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Pairs returns how many pairing attempts were issued.
func (t *FakeTransport) Pairs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pairs
}

// Links returns every link handed out so far.
func (t *FakeTransport) Links() []*FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*FakeLink, len(t.links))
	copy(out, t.links)
	return out
}

// LastLink returns the most recent link, or nil.
func (t *FakeTransport) LastLink() *FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

var (
	_ link.Transport = (*FakeTransport)(nil)
	_ link.Pairer    = (*FakeTransport)(nil)
)
