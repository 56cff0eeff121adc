// Package events carries engine notifications to observers.
//
// Publishing never blocks: a subscriber whose buffer is full misses the
// event, and the drop is counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an event.
type Type string

const (
	// SyncCompleted carries the summary of a finished cycle.
	SyncCompleted Type = "sync_completed"
	// StatusChanged carries a collection's new engine status.
	StatusChanged Type = "status_changed"
	// ActionFailed carries a queued action that became Failed.
	ActionFailed Type = "action_failed"
)

// Event is one notification.
type Event struct {
	Type       Type      `json:"type"`
	Collection string    `json:"collection"`
	Time       time.Time `json:"time"`
	Data       any       `json:"data,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped for full buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
