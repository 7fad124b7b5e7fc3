// Package scan implements the Scan Loop (§4.D): one task per Modbus
// transport that reads register blocks on a fixed interval, diffs them
// at the block and feature level, and interleaves pending writes.
package scan

import (
	"sync"
	"sync/atomic"

	"github.com/superbox-dev/unipi-control/internal/feature"
)

// FeatureChanged is emitted whenever a feature's decoded value changes
// (or becomes known for the first time).
type FeatureChanged struct {
	FeatureID string
	Old       feature.Value
	New       feature.Value
}

// EventBus is the bounded, last-value-wins-per-feature event channel
// described in §4.D: a slow consumer never blocks the Scan Loop. A
// pending event for a feature that has not yet been drained is
// replaced by the newer one, and DroppedEvents counts every such
// replacement — consumers care about current state, not every
// transient (§4.D rationale).
type EventBus struct {
	mu      sync.Mutex
	pending map[string]FeatureChanged
	notify  chan struct{}
	dropped atomic.Uint64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		pending: make(map[string]FeatureChanged),
		notify:  make(chan struct{}, 1),
	}
}

// Push records a feature change, coalescing with any undelivered event
// for the same feature.
func (b *EventBus) Push(ev FeatureChanged) {
	b.mu.Lock()
	if _, exists := b.pending[ev.FeatureID]; exists {
		b.dropped.Add(1)
	}
	b.pending[ev.FeatureID] = ev
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Notify exposes the wake-up channel for a consumer's select loop.
func (b *EventBus) Notify() <-chan struct{} { return b.notify }

// Drain removes and returns every currently pending event. Order among
// features is not guaranteed, per §5 ordering guarantees.
func (b *EventBus) Drain() []FeatureChanged {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}

	out := make([]FeatureChanged, 0, len(b.pending))
	for _, ev := range b.pending {
		out = append(out, ev)
	}
	b.pending = make(map[string]FeatureChanged)
	return out
}

// DroppedEvents returns the total number of coalesced (never
// individually delivered) events since startup.
func (b *EventBus) DroppedEvents() uint64 {
	return b.dropped.Load()
}
