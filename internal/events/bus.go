package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives emitted events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(*Event)

// Bus fans events out to subscribers and logs every emission.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[uint64]Handler
	wildcard map[uint64]Handler
	nextID   uint64
	now      func() time.Time
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType]map[uint64]Handler),
		wildcard: make(map[uint64]Handler),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("service", "events").Logger(),
	}
}

// SetClock overrides the timestamp source (backtests stamp events with simulated time)
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Emit emits an event
func (b *Bus) Emit(module string, data EventData) {
	b.mu.RLock()
	event := &Event{
		Type:      data.EventType(),
		Timestamp: b.now(),
		Module:    module,
		Data:      data,
	}
	targets := make([]Handler, 0, len(b.handlers[event.Type])+len(b.wildcard))
	for _, h := range b.handlers[event.Type] {
		targets = append(targets, h)
	}
	for _, h := range b.wildcard {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	if e := b.log.Debug(); e.Enabled() {
		eventJSON, _ := json.Marshal(event)
		e.Str("event_type", string(event.Type)).
			Str("module", module).
			RawJSON("event", eventJSON).
			Msg("Event emitted")
	}

	for _, h := range targets {
		h(event)
	}
}

// EmitError emits an error event
func (b *Bus) EmitError(module string, err error, context map[string]interface{}) {
	b.Emit(module, &ErrorEventData{Error: err.Error(), Context: context})
}

// Subscribe registers h for one event type and returns a function that removes it.
func (b *Bus) Subscribe(eventType EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// SubscribeAll registers h for every event type
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.wildcard[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.wildcard, id)
	}
}

// SubscriberCount returns the number of registered handlers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.wildcard)
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}
