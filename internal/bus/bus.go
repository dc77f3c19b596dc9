package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe bus for operational events. Delivery
// is non-blocking: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
	now  func() time.Time
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
		now:  time.Now,
	}
}

// Publish delivers evt to every subscriber whose prefix matches evt.Kind.
// A zero Timestamp is filled in. Publishing on a nil bus is a no-op so
// components can run without one in tests.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(string(evt.Kind), sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with prefix,
// and a function that removes the subscription. The empty prefix matches
// everything.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
