package grid

import (
	"sync"
	"time"

	"gridbot/logger"
)

// EventType is the closed set of events the engine emits.
type EventType string

const (
	EventGridCreated       EventType = "grid.created"
	EventGridCompleted     EventType = "grid.completed"
	EventPositionOpened    EventType = "grid.position.opened"
	EventPositionClosed    EventType = "grid.position.closed"
	EventPartialTakeProfit EventType = "grid.partialTakeProfit"
	EventTrailingActivated EventType = "grid.trailingStop.activated"
	EventTrailingUpdated   EventType = "grid.trailingStop.updated"
	EventGridAdjusted      EventType = "grid.adjusted"
)

// Event is one engine notification. Payload keys are event-specific.
type Event struct {
	Type      EventType              `json:"type"`
	GridID    string                 `json:"grid_id"`
	Pair      string                 `json:"pair"`
	ModuleID  string                 `json:"module_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Bus is a typed publish/subscribe channel for engine events.
// Publishing never blocks: a subscriber that falls behind loses events
// (logged), preserving per-grid ordering for subscribers that keep up
// since all events originate from the single engine loop.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			logger.Warnf("[Events] Dropping %s for grid %s: subscriber backlog full", evt.Type, evt.GridID)
		}
	}
}

// Close shuts all subscriber channels. Publish becomes a no-op.
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
