// Package events carries ledger mutation notifications to subscribers such
// as the leaderboard cache. Delivery is synchronous and in-process.
package events

import (
	"context"
	"log"
	"sync"
)

// Kind names a notification.
type Kind string

const (
	CheckinRecorded Kind = "checkin.recorded"
	CheckinDeleted  Kind = "checkin.deleted"
)

// Event is a ledger notification. Recorded events fill the check-in fields;
// deleted events carry the affected ids.
type Event struct {
	Kind       Kind    `json:"kind"`
	UserID     int64   `json:"user_id,omitempty"`
	EntityType string  `json:"entity_type,omitempty"`
	EntityID   int64   `json:"entity_id,omitempty"`
	EventID    string  `json:"event_id,omitempty"`
	IDs        []int64 `json:"ids,omitempty"`
}

// Handler reacts to an event.
type Handler func(ctx context.Context, evt Event) error

// Publisher is what mutating components depend on.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Bus dispatches events to subscribers registered at composition time.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h for kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

// Publish calls every handler for evt.Kind in registration order. Handler
// failures are logged and never reach the publisher.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Kind]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			log.Printf("events: %s handler failed: %v", evt.Kind, err)
		}
	}
}
