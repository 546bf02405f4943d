package cache

import "sync"

// EventHandler receives events emitted by the manager's event stream.
type EventHandler func(Event)

// EventBus is a typed subscription registry: observers register by event
// name and receive positional Event values. A mutex-protected callback
// list substitutes for dynamic event-emitter plumbing.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventBus constructs an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]EventHandler)}
}

// On registers handler to be invoked whenever an event of the given type
// is emitted. Registration order is preserved.
func (b *EventBus) On(eventType EventType, handler EventHandler) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit synchronously invokes every handler registered for ev.Type. Emit
// never blocks on I/O itself, but a slow handler will delay the caller;
// handlers that need to do expensive work should hand off to their own
// goroutine.
func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
