package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/link"
)

// Controller is the state machine surface commands are applied to.
type Controller interface {
	RequestConnect() error
	RequestDisconnect() error
	SelectPeer(link.PeerIdentity) error
	ClearPeer() error
	RequestBatteryLevel() error
	RequestStatus() error
}

// MessagePusher forwards application messages to the peer.
type MessagePusher interface {
	Push(sender, destination string, payload []byte) error
}

// ErrUnknownCommand is returned for command types the dispatcher does not know.
var ErrUnknownCommand = errors.New("unknown command")

// Dispatcher applies commands from an Inbox, one at a time, in order.
type Dispatcher struct {
	ctrl     Controller
	messages MessagePusher
	logger   *logrus.Logger
}

// NewDispatcher creates a dispatcher. messages may be nil, in which case
// push commands are rejected.
func NewDispatcher(ctrl Controller, messages MessagePusher, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{ctrl: ctrl, messages: messages, logger: logger}
}

// Run consumes inbox until ctx is done. Command errors are logged and never
// reach the controller.
func (d *Dispatcher) Run(ctx context.Context, inbox *Inbox) {
	for {
		cmd, err := inbox.Next(ctx)
		if err != nil {
			return
		}
		d.safeHandle(cmd)
	}
}

func (d *Dispatcher) safeHandle(cmd Command) {
	defer groutine.Recover(d.logger, "control command")

	if err := d.Handle(cmd); err != nil {
		d.logger.WithFields(logrus.Fields{
			"command": cmd.Type.String(),
			"error":   err,
		}).Warn("Command failed")
		return
	}
	d.logger.WithField("command", cmd.Type.String()).Debug("Command applied")
}

// Handle applies one command.
func (d *Dispatcher) Handle(cmd Command) error {
	switch cmd.Type {
	case CmdConnect:
		return d.ctrl.RequestConnect()
	case CmdDisconnect:
		return d.ctrl.RequestDisconnect()
	case CmdSelectPeer:
		if cmd.Peer == nil {
			return fmt.Errorf("select peer: %w", link.ErrNoPeer)
		}
		return d.ctrl.SelectPeer(*cmd.Peer)
	case CmdClearPeer:
		return d.ctrl.ClearPeer()
	case CmdRequestBatteryLevel:
		return d.ctrl.RequestBatteryLevel()
	case CmdRequestStatus:
		return d.ctrl.RequestStatus()
	case CmdPushMessage:
		if d.messages == nil {
			return errors.New("push message: no message service")
		}
		if cmd.Message == nil {
			return errors.New("push message: empty command")
		}
		return d.messages.Push(cmd.Message.Sender, cmd.Message.Destination, cmd.Message.Payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}
}
