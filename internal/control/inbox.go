package control

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/link"
)

// DefaultInboxSize is the command backlog before Post starts blocking.
const DefaultInboxSize = 32

// ErrTargetGone is returned by a ReplyTarget whose controller went away.
var ErrTargetGone = errors.New("reply target gone")

// ReplyTarget receives status events for one controller. Deliver must not
// block.
type ReplyTarget interface {
	Deliver(Event) error
}

type envelope struct {
	cmd  Command
	from ReplyTarget
}

// Inbox is the ordered single-consumer command queue. It also implements
// link.Observer and forwards status events to the reply target: the sender of
// the most recently dequeued command. Without one, events are dropped.
type Inbox struct {
	queue  chan envelope
	logger *logrus.Logger

	mu     sync.Mutex
	target ReplyTarget
}

// NewInbox creates an inbox holding up to size pending commands.
func NewInbox(size int, logger *logrus.Logger) *Inbox {
	if logger == nil {
		logger = logrus.New()
	}
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		queue:  make(chan envelope, size),
		logger: logger,
	}
}

// Post enqueues cmd. It blocks while the inbox is full so commands are never
// lost. from may be nil for local commands, which leave the reply target as is.
func (i *Inbox) Post(ctx context.Context, cmd Command, from ReplyTarget) error {
	select {
	case i.queue <- envelope{cmd: cmd, from: from}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next dequeues the oldest command and makes its sender the reply target.
func (i *Inbox) Next(ctx context.Context) (Command, error) {
	select {
	case env := <-i.queue:
		if env.from != nil {
			i.mu.Lock()
			i.target = env.from
			i.mu.Unlock()
		}
		return env.cmd, nil
	case <-ctx.Done():
		return Command{}, ctx.Err()
	}
}

// Pending returns the number of queued commands.
func (i *Inbox) Pending() int {
	return len(i.queue)
}

// Target returns the current reply target, or nil.
func (i *Inbox) Target() ReplyTarget {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.target
}

func (i *Inbox) StatusChanged(s link.ConnectionState) {
	i.emit(Event{Type: EvtStatusChanged, State: s})
}

func (i *Inbox) PeerNameChanged(name string) {
	i.emit(Event{Type: EvtPeerNameChanged, Name: name})
}

func (i *Inbox) BatteryLevelChanged(level int) {
	i.emit(Event{Type: EvtBatteryLevelChanged, Battery: level})
}

func (i *Inbox) LinkFailed(err error) {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	i.emit(Event{Type: EvtLinkFailed, Reason: reason})
}

// emit delivers ev once. Failures are logged and never retried.
func (i *Inbox) emit(ev Event) {
	target := i.Target()
	if target == nil {
		i.logger.WithField("event", ev.String()).Debug("No reply target, event dropped")
		return
	}
	if err := target.Deliver(ev); err != nil {
		i.logger.WithFields(logrus.Fields{
			"event": ev.String(),
			"error": err,
		}).Warn("Failed to deliver status event")
	}
}

var _ link.Observer = (*Inbox)(nil)
