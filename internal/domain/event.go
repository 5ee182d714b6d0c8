package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventConnectionRegistered   EventType = "connection.registered"
	EventConnectionUnregistered EventType = "connection.unregistered"
	EventConnectionExpired      EventType = "connection.expired"
	EventMessageDelivered       EventType = "message.delivered"
	EventMessageBroadcast       EventType = "message.broadcast"
	EventMessageDropped         EventType = "message.dropped"

	EventHubStarted EventType = "hub.started"
	EventHubStopped EventType = "hub.stopped"

	EventBridgeStateChanged EventType = "bridge.state_changed"
	EventHealthCheckFailed  EventType = "bridge.healthcheck_failed"
	EventAutoRestart        EventType = "bridge.auto_restart"

	EventOperationRouted EventType = "operation.routed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ConnID    string          `json:"conn_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. Marshal failures
// leave the payload empty.
func NewEvent(t EventType, connID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), ConnID: connID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
