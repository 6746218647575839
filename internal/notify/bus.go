package notify

import (
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-subscriber queue depth used when none is given.
const DefaultBuffer = 64

// Bus fans events out to every subscriber. All methods are safe for
// concurrent use.
type Bus struct {
	buffer int
	onDrop func()

	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	closed bool
}

// NewBus returns a Bus whose subscribers buffer up to buffer events each.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer, subs: make(map[int]chan Event)}
}

// OnDrop registers fn to be called every time an event is dropped for a
// full subscriber. Must be called before Publish is used concurrently.
func (b *Bus) OnDrop(fn func()) { b.onDrop = fn }

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("notify: subscriber full, dropping event", "subscriber", id, "event", ev.Kind)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
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

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
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
