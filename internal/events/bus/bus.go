// Package bus provides the event bus session traffic is mirrored onto, so
// observers can follow live conversations without sitting on the client
// transport. A NATS implementation is used in deployments; an in-memory one
// backs tests and single-process setups.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the bus contract shared by the NATS and in-memory backends.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. NATS
	// wildcard syntax applies: "*" per token, ">" for the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// Publisher adapts an EventBus into the one-way publish seam the provider
// facade mirrors session traffic through.
type Publisher struct {
	bus    EventBus
	source string
}

// NewPublisher wraps a bus for publishing under the given source name.
func NewPublisher(b EventBus, source string) *Publisher {
	return &Publisher{bus: b, source: source}
}

// Publish wraps the payload in a bus event and sends it. The event type is
// the subject's final token.
func (p *Publisher) Publish(subject string, payload any) error {
	eventType := subject
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			eventType = subject[i+1:]
			break
		}
	}
	ev := NewEvent("session."+eventType, p.source, map[string]any{"payload": payload})
	return p.bus.Publish(context.Background(), subject, ev)
}
