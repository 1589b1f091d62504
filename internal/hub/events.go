package hub

import (
	"log/slog"
	"sync"
	"time"

	"hass-sync/internal/entity"
)

// Event types
const (
	EventEntityState     = "entity_state"
	EventEntityHistory   = "entity_history"
	EventEntityError     = "entity_error"
	EventEntityTracked   = "entity_tracked"
	EventEntityUntracked = "entity_untracked"
	EventHubState        = "hub_state"
)

// Event represents a hub event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EntityEvent is the Data of every entity_* event. Which fields are set
// depends on the event type.
type EntityEvent struct {
	EntityID     string              `json:"entity_id"`
	Origin       string              `json:"origin,omitempty"`
	State        *entity.StateRecord `json:"state,omitempty"`
	FriendlyName string              `json:"friendly_name,omitempty"`
	Kind         entity.Kind         `json:"kind,omitempty"`
	Error        string              `json:"error,omitempty"`
	HistoryLen   int                 `json:"history_len,omitempty"`
	Generated    bool                `json:"generated,omitempty"`
	At           time.Time           `json:"at"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for hub events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
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

// eventFromUpdate translates a client notification into a bus event.
func eventFromUpdate(u entity.Update, at time.Time) Event {
	ev := EntityEvent{EntityID: u.EntityID, Origin: u.Origin, At: at}
	if u.Client != nil {
		ev.Kind = u.Client.Kind()
	}
	switch u.Type {
	case entity.UpdateState:
		rec := u.Record
		ev.State = &rec
		ev.FriendlyName = rec.FriendlyName()
		return Event{Type: EventEntityState, Data: ev}
	case entity.UpdateHistory:
		if u.Client != nil {
			ev.HistoryLen = u.Client.History().Len()
			ev.Generated = u.Client.History().IsGenerated()
		}
		return Event{Type: EventEntityHistory, Data: ev}
	default:
		if u.Err != nil {
			ev.Error = u.Err.Error()
		}
		return Event{Type: EventEntityError, Data: ev}
	}
}
