//go:build test

package testutils

import (
	"sync"

	"github.com/srg/blesync/internal/link"
)

// RecordingObserver captures every event the link manager publishes.
type RecordingObserver struct {
	mu        sync.Mutex
	statuses  []link.ConnectionState
	names     []string
	batteries []int
	failures  []error
}

func (o *RecordingObserver) StatusChanged(s link.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func (o *RecordingObserver) PeerNameChanged(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func (o *RecordingObserver) BatteryLevelChanged(level int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batteries = append(o.batteries, level)
}

func (o *RecordingObserver) LinkFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

// Statuses returns published states in order.
func (o *RecordingObserver) Statuses() []link.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]link.ConnectionState(nil), o.statuses...)
}

// Names returns published peer names in order.
func (o *RecordingObserver) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.names...)
}

// Batteries returns published battery levels in order.
func (o *RecordingObserver) Batteries() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.batteries...)
}

// Failures returns reported link failures in order.
func (o *RecordingObserver) Failures() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.failures...)
}

// Reset forgets everything recorded so far.
func (o *RecordingObserver) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses, o.names, o.batteries, o.failures = nil, nil, nil, nil
}

var _ link.Observer = (*RecordingObserver)(nil)
