package controller

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventRuleFired     = "rule_fired"
	EventOutputError   = "output_error"
	EventOutputs       = "outputs"
	EventInputs        = "inputs"
	EventAnalog        = "analog"
	EventSensors       = "sensors"
	EventStatus        = "status"
	EventConfigChanged = "config_changed"
	EventTimeSync      = "time_sync"
)

// Event is a controller notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	typ     string // empty matches every type
	handler EventHandler
}

// EventBus fans controller events out to subscribers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On registers a handler for one event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(typ string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, typ: typ, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, s := range eb.subs {
			if s.id == id {
				eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.typ == "" || s.typ == event.Type {
			handlers = append(handlers, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
