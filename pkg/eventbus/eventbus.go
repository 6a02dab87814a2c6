package eventbus

import (
	"reflect"
	"sync"
)

// Handler is a function that handles an event
type Handler func(event interface{})

// EventBus provides in-process pub/sub used to fan change events out to
// the NATS publisher and the websocket hub without coupling the tracker
// to either.
type EventBus struct {
	handlers map[reflect.Type][]Handler
	mu       sync.RWMutex
	inflight sync.WaitGroup
}

// New creates a new EventBus
func New() *EventBus {
	return &EventBus{
		handlers: make(map[reflect.Type][]Handler),
	}
}

// Subscribe registers a handler for a specific event type
func (e *EventBus) Subscribe(eventType interface{}, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := reflect.TypeOf(eventType)
	e.handlers[t] = append(e.handlers[t], handler)
}

// Publish publishes an event to all subscribers asynchronously.
func (e *EventBus) Publish(event interface{}) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if handlers, ok := e.handlers[reflect.TypeOf(event)]; ok {
		for _, handler := range handlers {
			e.inflight.Add(1)
			go func(h Handler) {
				defer e.inflight.Done()
				h(event)
			}(handler)
		}
	}
}

// Drain blocks until all asynchronously published events have been
// handled. Call during shutdown before closing downstream connections.
func (e *EventBus) Drain() {
	e.inflight.Wait()
}

// PublishSync publishes an event synchronously to all subscribers
func (e *EventBus) PublishSync(event interface{}) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if handlers, ok := e.handlers[reflect.TypeOf(event)]; ok {
		for _, handler := range handlers {
			handler(event)
		}
	}
}

// SubscriberCount returns the number of subscribers for an event type
func (e *EventBus) SubscriberCount(eventType interface{}) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.handlers[reflect.TypeOf(eventType)])
}
