package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (standalone) or NATS (distributed).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (standalone profile)
	ChannelBufferSize int

	// NATS settings (distributed profile)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup makes subscriptions queue subscriptions, so multiple
	// instances share each topic's load instead of all receiving every
	// message. Leave empty for fan-out delivery.
	NATSQueueGroup string
}

// Standard topic names for the scoring and training pipelines. The bus
// implementations prefix these with the service name and tenant.
const (
	TopicSignupReceived = "signup.received"
	TopicDecision       = "decision"
	TopicAlert          = "alert"
	TopicModelPromoted  = "model.promoted"
	TopicModelRejected  = "model.rejected"
)

// SignupEvent is the payload published on TopicSignupReceived. It mirrors
// ScoreRequest so async and synchronous scoring take the same inputs.
type SignupEvent struct {
	Email    string          `json:"email"`
	TenantID string          `json:"tenantId,omitempty"`
	SourceID string          `json:"sourceId,omitempty"`
	Patterns []PatternSignal `json:"patterns,omitempty"`
	Domain   DomainSignals   `json:"domain"`
}
