package progress

import (
	"log/slog"
	"sync"

	"github.com/vietddude/queryflow/internal/core/clock"
)

// Handler receives emitted events. Handlers run synchronously on the emitting goroutine.
type Handler func(Event)

// Subscription is the token returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id uint64
}

type subscriber struct {
	id      uint64
	name    EventName // empty matches every event
	handler Handler
}

// Bus is a synchronous publish/subscribe hub for progress events.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber
	clock  clock.Clock
	log    *slog.Logger
}

// NewBus creates an empty bus. A nil clock uses the real clock.
func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{
		clock: clk,
		log:   slog.Default().With("component", "progress_bus"),
	}
}

// Subscribe registers handler for events named name.
func (b *Bus) Subscribe(name EventName, handler Handler) Subscription {
	return b.add(name, handler)
}

// SubscribeAll registers handler for every event.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	return b.add("", handler)
}

func (b *Bus) add(name EventName, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, name: name, handler: handler})
	return Subscription{id: b.nextID}
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == s.id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit delivers the event to every matching subscriber in subscription order.
// A panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Emit(name EventName, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.name == "" || sub.name == name {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload, Timestamp: b.clock.Now()}
	for _, h := range handlers {
		b.dispatch(ev, h)
	}
}

func (b *Bus) dispatch(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}
