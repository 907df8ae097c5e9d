// Package bus provides event bus abstractions for the agent host.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentdesk/agentdesk/internal/events"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Scope     events.Scope   `json:"scope"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType string, scope events.Scope, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Scope:     scope,
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject. Publish never blocks on slow
	// subscribers; delivery is asynchronous.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	// NATS-style wildcards are supported: * matches one token, > matches
	// the rest of the subject.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the bus and deactivates all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
