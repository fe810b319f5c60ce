package event

import (
	"sync"
	"time"
)

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose channel is full misses the event. Consumers needing
// every price are expected to read the catalog, not replay the bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(buf int) <-chan Event {
	ch := make(chan Event, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishError is a convenience wrapper for ErrorEvent.
func (b *Bus) PublishError(msg string) {
	b.Publish(ErrorEvent{BaseEvent: BaseEvent{Ts: time.Now()}, Message: msg})
}

// Close terminates all subscriber channels. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
