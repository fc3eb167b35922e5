// Package events implements the process-local event bus that fans bot
// lifecycle events out to subscribers such as the dashboard WebSocket hub.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of event published on the bus.
type EventType string

const (
	EventBotStarting          EventType = "BOT_STARTING"
	EventBotStarted           EventType = "BOT_STARTED"
	EventBotStopped           EventType = "BOT_STOPPED"
	EventBotExecutionSuccess  EventType = "BOT_EXECUTION_SUCCESS"
	EventBotExecutionError    EventType = "BOT_EXECUTION_ERROR"
	EventDecisionAnalysis     EventType = "DECISION_ANALYSIS"
	EventTrailingStopUpdate   EventType = "TRAILING_STOP_UPDATE"
	EventOrphanOrdersCleanup  EventType = "ORPHAN_ORDERS_CLEANUP"
	EventPendingOrdersUpdate  EventType = "PENDING_ORDERS_UPDATE"
	EventTakeProfitUpdate     EventType = "TAKE_PROFIT_UPDATE"
	EventConnectionEstablished EventType = "CONNECTION_ESTABLISHED"
)

// Event is a single bus message. Data carries event-specific payload fields.
type Event struct {
	Type      EventType              `json:"type"`
	BotID     int64                  `json:"bot_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// DefaultSubscriberBuffer is the queue depth handed to subscribers that do
// not ask for a specific one.
const DefaultSubscriberBuffer = 256

type subscription struct {
	ch chan Event
}

// Bus fans published events out to every subscriber. Publishing never
// blocks: a subscriber that cannot keep up loses its oldest messages.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Subscribe registers a subscriber for all events and returns its channel
// plus an unsubscribe function. buffer <= 0 selects the default depth.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscription{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking. When a
// subscriber queue is full the oldest message is dropped to make room.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			// Queue full: shed the oldest entry, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// PublishBot is a convenience wrapper for per-bot events.
func (b *Bus) PublishBot(eventType EventType, botID int64, data map[string]interface{}) {
	b.Publish(Event{Type: eventType, BotID: botID, Data: data})
}

// SubscriberCount reports how many subscribers are registered.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
