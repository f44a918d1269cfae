package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blesync/internal/channel"
)

// ConnectionState is the lifecycle state of the peer link.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// PeerIdentity is the remembered peer.
type PeerIdentity struct {
	Address string `yaml:"address" cbor:"address"`
	Name    string `yaml:"name" cbor:"name"`
}

// IsZero reports whether no peer is set.
func (p PeerIdentity) IsZero() bool {
	return p.Address == ""
}

// DisplayName returns the name, falling back to the address.
func (p PeerIdentity) DisplayName() string {
	if p.Name == "" {
		return p.Address
	}
	return p.Name
}

var (
	// ErrUnsupportedPeer means the peer lacks the mandatory battery capability.
	ErrUnsupportedPeer = errors.New("unsupported peer")

	// ErrNoPeer means no peer is remembered.
	ErrNoPeer = errors.New("no peer selected")

	// ErrChannelNotExposed is returned by links for channels the peer does not expose.
	ErrChannelNotExposed = errors.New("channel not exposed by peer")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("link manager closed")
)

// ConnectError wraps the last failure of an exhausted connect attempt.
type ConnectError struct {
	Peer     PeerIdentity
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed after %d attempt(s): %v", e.Peer.Address, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Property flags of an exposed channel.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits of q are set.
func (p Property) Has(q Property) bool {
	return p&q == q
}

// CanNotify reports inbound delivery support.
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// CanWrite reports outbound support.
func (p Property) CanWrite() bool {
	return p&(PropWrite|PropWriteNoResponse) != 0
}

// ExposedChannel is one channel discovered on the peer.
type ExposedChannel struct {
	Service    channel.ID
	ID         channel.ID
	Properties Property
}

// Transport establishes links to peers.
type Transport interface {
	Connect(ctx context.Context, peer PeerIdentity) (Link, error)
}

// Pairer is optionally implemented by transports that bond before connecting.
type Pairer interface {
	Pair(ctx context.Context, peer PeerIdentity) error
}

// Link is one established peer connection. Every blocking call honors ctx.
// Done is closed when the link is gone, after which Err reports why.
type Link interface {
	RequestMTU(ctx context.Context, mtu int) (int, error)
	DiscoverChannels(ctx context.Context) ([]ExposedChannel, error)
	Write(ctx context.Context, id channel.ID, data []byte, withResponse bool) error
	Read(ctx context.Context, id channel.ID) ([]byte, error)
	Subscribe(ctx context.Context, id channel.ID, handler func([]byte)) error
	Disconnect() error
	Done() <-chan struct{}
	Err() error
}

// PeerStore persists the remembered peer.
type PeerStore interface {
	// Load returns the zero identity when nothing is stored.
	Load() (PeerIdentity, error)
	Save(PeerIdentity) error
	Clear() error
}

// Observer receives status updates from the manager. Calls arrive on the
// manager's event loop and must not block.
type Observer interface {
	StatusChanged(ConnectionState)
	PeerNameChanged(string)
	BatteryLevelChanged(int)
	LinkFailed(error)
}
