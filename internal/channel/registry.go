package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesync/internal/groutine"
)

const (
	// DefaultQueueSize is the per-channel outbound queue capacity.
	DefaultQueueSize = 64

	// DefaultWriteTimeout bounds a single transport write.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrUnbound is returned when writing to a channel that has no binding,
	// i.e. before negotiation completed or after the link went away.
	ErrUnbound = errors.New("channel not bound")

	// ErrQueueFull is returned when the per-channel outbound queue is saturated.
	ErrQueueFull = errors.New("write queue full")
)

// Writer delivers one payload to the peer. Implemented by the live link.
type Writer interface {
	Write(ctx context.Context, id ID, data []byte, withResponse bool) error
}

// Callback receives the raw payload of an inbound notification.
type Callback func(data []byte)

// Binding describes one outbound channel resolved during negotiation.
type Binding struct {
	ID           ID
	WithResponse bool
}

type callbackEntry struct {
	id ID
	fn Callback
}

type writeQueue struct {
	binding Binding
	ch      chan []byte
}

// Options configures a Registry.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// Registry tracks channel bindings of the current link, owns the ordered
// outbound write path and the inbound dispatch table.
//
// Callbacks live independently of any link. Bindings exist only between Bind
// and Unbind.
type Registry struct {
	logger    *logrus.Logger
	callbacks *hashmap.Map[string, callbackEntry]

	mu       sync.RWMutex
	outbound map[ID]*writeQueue
	inbound  map[ID]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	queueSize    int
	writeTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	return &Registry{
		logger:       logger,
		callbacks:    hashmap.New[string, callbackEntry](),
		outbound:     make(map[ID]*writeQueue),
		inbound:      make(map[ID]struct{}),
		queueSize:    opts.QueueSize,
		writeTimeout: opts.WriteTimeout,
	}
}

// RegisterCallback attaches fn to inbound notifications of id. May be called
// at any time; a second registration for the same id replaces the first.
func (r *Registry) RegisterCallback(id ID, fn Callback) {
	if fn == nil {
		r.UnregisterCallback(id)
		return
	}
	r.callbacks.Set(id.String(), callbackEntry{id: id, fn: fn})
	r.logger.WithField("channel_id", id.Short()).Debug("Inbound callback registered")
}

// UnregisterCallback removes the callback of id. Safe when none is registered.
func (r *Registry) UnregisterCallback(id ID) {
	if r.callbacks.Del(id.String()) {
		r.logger.WithField("channel_id", id.Short()).Debug("Inbound callback unregistered")
	}
}

// Callbacks returns the ids that currently have a callback, sorted.
func (r *Registry) Callbacks() []ID {
	ids := make([]ID, 0, r.callbacks.Len())
	r.callbacks.Range(func(_ string, e callbackEntry) bool {
		ids = append(ids, e.id)
		return true
	})
	sortIDs(ids)
	return ids
}

// Dispatch invokes the callback registered for id. Reports whether one was found.
func (r *Registry) Dispatch(id ID, data []byte) bool {
	e, ok := r.callbacks.Get(id.String())
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"channel_id": id.Short(),
			"bytes":      len(data),
		}).Debug("Dropping notification without callback")
		return false
	}
	e.fn(data)
	return true
}

// Bind installs a fresh binding table for a newly negotiated link and starts
// one delivery worker per outbound channel. Any previous table is torn down first.
func (r *Registry) Bind(ctx context.Context, w Writer, outbound []Binding, inbound []ID) {
	r.Unbind()

	r.mu.Lock()
	defer r.mu.Unlock()

	bindCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, b := range outbound {
		if _, dup := r.outbound[b.ID]; dup {
			continue
		}
		q := &writeQueue{binding: b, ch: make(chan []byte, r.queueSize)}
		r.outbound[b.ID] = q
		r.wg.Add(1)
		groutine.GoSafe(bindCtx, "channel-writer-"+b.ID.Short(), r.logger, func(ctx context.Context) {
			defer r.wg.Done()
			r.deliver(ctx, w, q)
		})
	}
	for _, id := range inbound {
		r.inbound[id] = struct{}{}
	}

	r.logger.WithFields(logrus.Fields{
		"outbound": len(r.outbound),
		"inbound":  len(r.inbound),
	}).Info("Channel bindings installed")
}

// Unbind cancels every delivery worker, drops all queued writes and clears the
// binding table. Returns once no worker can touch the link anymore.
func (r *Registry) Unbind() {
	r.mu.Lock()
	cancel := r.cancel
	hadBindings := len(r.outbound) > 0 || len(r.inbound) > 0
	r.cancel = nil
	r.outbound = make(map[ID]*writeQueue)
	r.inbound = make(map[ID]struct{})
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if hadBindings {
		r.logger.Debug("Channel bindings cleared")
	}
}

// Write enqueues data for ordered delivery on id. Writing before a link is
// negotiated is a caller error: it is logged and ErrUnbound is returned.
func (r *Registry) Write(id ID, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, ok := r.outbound[id]
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"channel_id": id.Short(),
			"bytes":      len(data),
		}).Warn("Write to unbound channel ignored")
		return fmt.Errorf("write %s: %w", id.Short(), ErrUnbound)
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	select {
	case q.ch <- payload:
		return nil
	default:
		r.logger.WithField("channel_id", id.Short()).Warn("Write queue full, dropping payload")
		return fmt.Errorf("write %s: %w", id.Short(), ErrQueueFull)
	}
}

// IsBound reports whether id has a binding in either direction.
func (r *Registry) IsBound(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.outbound[id]; ok {
		return true
	}
	_, ok := r.inbound[id]
	return ok
}

// Bound returns a sorted snapshot of all bound channel ids.
func (r *Registry) Bound() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ID, 0, len(r.outbound)+len(r.inbound))
	for id := range r.outbound {
		ids = append(ids, id)
	}
	for id := range r.inbound {
		if _, both := r.outbound[id]; !both {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

func (r *Registry) deliver(ctx context.Context, w Writer, q *writeQueue) {
	for {
		select {
		case <-ctx.Done():
			if dropped := len(q.ch); dropped > 0 {
				r.logger.WithFields(logrus.Fields{
					"channel_id": q.binding.ID.Short(),
					"dropped":    dropped,
				}).Debug("Dropping queued writes on unbind")
			}
			return
		case data := <-q.ch:
			if ctx.Err() != nil {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
			err := w.Write(writeCtx, q.binding.ID, data, q.binding.WithResponse)
			cancel()
			if err != nil {
				r.logger.WithFields(logrus.Fields{
					"channel_id": q.binding.ID.Short(),
					"bytes":      len(data),
					"error":      err,
				}).Warn("Channel write failed")
				continue
			}
			r.logger.WithFields(logrus.Fields{
				"channel_id": q.binding.ID.Short(),
				"bytes":      len(data),
			}).Debug("Channel write delivered")
		}
	}
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
}
