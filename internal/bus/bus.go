// Package bus is the in-process event spine of the pipeline. Components
// never call each other's UI-facing surfaces directly; they publish events
// and whoever cares subscribes by namespace prefix ("conn.", "message.",
// "" for everything).
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

type subscriber struct {
	id     int
	prefix string
	ch     chan Event
}

// Bus fans events out to prefix-matched subscribers. Delivery is
// non-blocking: a subscriber that stops draining its channel loses events
// rather than stalling publishers, and the loss is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscriber
	lastID  int
	dropped atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !strings.HasPrefix(evt.Kind, s.prefix) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers interest in a kind prefix and returns the delivery
// channel plus an unsubscribe function. bufSize bounds how far the
// subscriber may lag before events are dropped.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	b.lastID++
	id := b.lastID
	b.subs = append(b.subs, subscriber{id: id, prefix: prefix, ch: ch})
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full. Useful in tests and debug logs.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
