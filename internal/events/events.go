// Package events carries the engine's lifecycle and conflict notifications
// to whoever subscribes: UI glue, loggers, analytics.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus is a typed publish-subscribe channel. Publish never blocks: a
// subscriber whose buffer is full misses the event and Dropped counts it.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	next    uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

func NewBus[T any](buffer int) *Bus[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus[T]{subs: make(map[uint64]chan T), buffer: buffer}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it. Subscribing to a closed bus yields a closed channel.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

type LifecycleKind string

const (
	Started   LifecycleKind = "started"
	Progress  LifecycleKind = "progress"
	Completed LifecycleKind = "completed"
	Error     LifecycleKind = "error"
)

// LifecycleEvent reports the progress of an engine operation such as a sync
// cycle or a batch.
type LifecycleEvent struct {
	Kind      LifecycleKind `json:"kind"`
	Operation string        `json:"operation"`
	Entity    string        `json:"entity,omitempty"`
	Current   int           `json:"current,omitempty"`
	Total     int           `json:"total,omitempty"`
	Affected  int           `json:"affected,omitempty"`
	Err       error         `json:"-"`
	At        time.Time     `json:"at"`
}

type ConflictKind string

const (
	Detected ConflictKind = "detected"
	Resolved ConflictKind = "resolved"
)

type ConflictEvent struct {
	Kind       ConflictKind `json:"kind"`
	Collection string       `json:"collection"`
	RecordID   string       `json:"record_id"`
	ConflictID string       `json:"conflict_id"`
	Type       string       `json:"type"`
	Strategy   string       `json:"strategy,omitempty"`
	Success    bool         `json:"success"`
	Err        error        `json:"-"`
	At         time.Time    `json:"at"`
}
