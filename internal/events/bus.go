package events

import "sync"

// Handler receives published events. Handlers run on the publisher's
// goroutine and may themselves publish or subscribe.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus fans events out to subscribers in subscription order.
//
// The zero value is not usable; construct with NewBus.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler and returns a cancel function that removes
// it. Cancel is idempotent and safe to call from inside a handler.
func (b *Bus) Subscribe(handler Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers event to every handler subscribed at the time of the
// call, inline, in subscription order. It returns after the last handler
// returns. Handlers subscribed during delivery do not receive event.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, sub := range snapshot {
		sub.handler(event)
	}
}
