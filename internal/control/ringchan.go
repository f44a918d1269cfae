package control

import (
	"sync"
	"sync/atomic"
)

// ringChannel is a bounded queue with overwrite-oldest semantics. Producers
// never block: when the buffer is full the oldest element is discarded.
// Readers range over C until Close.
type ringChannel[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool

	overwritten atomic.Int64
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side.
func (rc *ringChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend inserts v, discarding the oldest element if needed. Reports
// whether an element was dropped, and false for ok after Close.
func (rc *ringChannel[T]) ForceSend(v T) (dropped, ok bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false, false
	}

	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	return dropped, true
}

// Len returns the number of buffered elements.
func (rc *ringChannel[T]) Len() int {
	return len(rc.ch)
}

// Overwritten returns how many elements were discarded so far.
func (rc *ringChannel[T]) Overwritten() int64 {
	return rc.overwritten.Load()
}

// Close closes the receive side. Later sends are refused. Safe to call twice.
func (rc *ringChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}
