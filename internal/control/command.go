// Package control is the command/status channel between the agent and its
// external controller.
//
// Commands are queued in an Inbox and applied one at a time in arrival order.
// Status events flow back to whichever controller most recently sent a
// command. The Server carries both over a unix socket as length-prefixed
// CBOR frames.
package control

import (
	"fmt"

	"github.com/srg/blesync/internal/link"
)

// CommandType identifies a controller request.
type CommandType uint8

const (
	CmdConnect CommandType = iota + 1
	CmdDisconnect
	CmdSelectPeer
	CmdClearPeer
	CmdRequestBatteryLevel
	CmdRequestStatus
	CmdPushMessage
)

func (c CommandType) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdDisconnect:
		return "disconnect"
	case CmdSelectPeer:
		return "select-peer"
	case CmdClearPeer:
		return "clear-peer"
	case CmdRequestBatteryLevel:
		return "battery"
	case CmdRequestStatus:
		return "status"
	case CmdPushMessage:
		return "push-message"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// Command is one controller request. Peer is set for CmdSelectPeer and
// Message for CmdPushMessage.
type Command struct {
	Type    CommandType        `cbor:"1,keyasint"`
	Peer    *link.PeerIdentity `cbor:"2,keyasint,omitempty"`
	Message *Message           `cbor:"3,keyasint,omitempty"`
}

// Message is an application message to forward to the peer.
type Message struct {
	Sender      string `cbor:"1,keyasint"`
	Destination string `cbor:"2,keyasint"`
	Payload     []byte `cbor:"3,keyasint"`
}

// EventType identifies a status event.
type EventType uint8

const (
	EvtStatusChanged EventType = iota + 1
	EvtPeerNameChanged
	EvtBatteryLevelChanged
	EvtLinkFailed
)

func (e EventType) String() string {
	switch e {
	case EvtStatusChanged:
		return "status"
	case EvtPeerNameChanged:
		return "peer-name"
	case EvtBatteryLevelChanged:
		return "battery"
	case EvtLinkFailed:
		return "link-failed"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Event is one status update pushed to the controller.
type Event struct {
	Type    EventType            `cbor:"1,keyasint"`
	State   link.ConnectionState `cbor:"2,keyasint,omitempty"`
	Name    string               `cbor:"3,keyasint,omitempty"`
	Battery int                  `cbor:"4,keyasint,omitempty"`
	Reason  string               `cbor:"5,keyasint,omitempty"`
}

func (e Event) String() string {
	switch e.Type {
	case EvtStatusChanged:
		return fmt.Sprintf("%s %s", e.Type, e.State)
	case EvtPeerNameChanged:
		return fmt.Sprintf("%s %q", e.Type, e.Name)
	case EvtBatteryLevelChanged:
		return fmt.Sprintf("%s %d%%", e.Type, e.Battery)
	case EvtLinkFailed:
		return fmt.Sprintf("%s %s", e.Type, e.Reason)
	default:
		return e.Type.String()
	}
}
