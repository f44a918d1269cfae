package channel

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb) that 16- and 32-bit identifiers expand onto.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// ID names one logical data channel. It is a 128-bit UUID and is comparable,
// so it can key maps directly.
type ID uuid.UUID

// Nil is the zero ID.
var Nil ID

// ParseID parses a channel identifier. It accepts full 128-bit UUIDs with or
// without dashes, and 16- or 32-bit SIG short forms with an optional 0x prefix
// ("2a19", "0x2A19", "00002a19").
func ParseID(s string) (ID, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.TrimPrefix(raw, "0x")

	switch len(raw) {
	case 4:
		raw = "0000" + raw + bluetoothBaseSuffix
	case 8:
		raw = raw + bluetoothBaseSuffix
	}

	u, err := uuid.Parse(raw)
	if err != nil {
		return Nil, fmt.Errorf("invalid channel id %q: %w", s, err)
	}
	return ID(u), nil
}

// MustParseID is ParseID that panics on error. Intended for package-level constants.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the canonical dashed lowercase form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Short returns the 16-bit form for identifiers on the SIG base UUID and the
// canonical form otherwise. Used for log output.
func (id ID) Short() string {
	s := id.String()
	if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, bluetoothBaseSuffix) {
		return s[4:8]
	}
	return s
}

// Direction is the data flow of a channel relative to this host.
type Direction int

const (
	// ToPeer channels carry writes from the host to the peer.
	ToPeer Direction = iota
	// FromPeer channels carry notifications from the peer to the host.
	FromPeer
)

func (d Direction) String() string {
	switch d {
	case ToPeer:
		return "to_peer"
	case FromPeer:
		return "from_peer"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Decl is one channel a service needs bound.
type Decl struct {
	ID        ID
	Direction Direction
}
