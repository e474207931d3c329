// Package transport defines the core interfaces and types for pipewright
// transports. Each transport implementation (sqs, jetstream, channel, ...)
// lives in its own sub-package and registers itself with the transport
// registry.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrAlreadySettled is returned when a second disposition operation is
// attempted on a delivery that has already been settled.
var ErrAlreadySettled = errors.New("pipewright: delivery already settled")

// Message is the transport-agnostic representation of an inbound queue
// message. The pipeline treats it as read-only; the transport owns it until
// exactly one disposition operation is applied to the delivery that carried it.
type Message struct {
	// ID is the transport-assigned message identifier.
	ID string

	// RoutingKey selects the task that handles this message.
	RoutingKey string

	// CorrelationID groups messages belonging to the same logical operation.
	CorrelationID string

	// DeliveryCount is the number of times the transport has handed this
	// message to a receiver, including the current delivery.
	DeliveryCount int

	// Properties holds application-level key/value metadata.
	Properties map[string]string

	// Payload is the raw message body.
	Payload []byte

	// ReceivedAt is when the current delivery was received.
	ReceivedAt time.Time
}

// Property returns the named application property, or "" when absent.
func (m *Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// Delivery is one handed-out occurrence of a message together with the four
// disposition operations that settle it. Exactly one of the four operations
// must be called exactly once; subsequent calls return ErrAlreadySettled.
type Delivery interface {
	// Message returns the message carried by this delivery.
	Message() *Message

	// Ack removes the message from the queue; processing is complete.
	Ack(ctx context.Context) error

	// Requeue returns the message for redelivery, optionally merging the
	// supplied properties into the message.
	Requeue(ctx context.Context, props map[string]string) error

	// DeadLetter moves the message to the dead-letter area with a reason code
	// and human-readable description.
	DeadLetter(ctx context.Context, reason, description string) error

	// Defer parks the message for later or manual processing, optionally
	// merging the supplied properties.
	Defer(ctx context.Context, props map[string]string) error
}

// Transport yields deliveries from a durable queue and settles them.
type Transport interface {
	// Receive starts delivering messages on the returned channel. The channel
	// is closed when ctx is cancelled or the transport shuts down. Receive
	// errors from the underlying connection must be reported to the transport
	// logger, never allowed to crash the receive loop.
	Receive(ctx context.Context) (<-chan Delivery, error)

	// Close releases the transport connection. In-flight deliveries that were
	// not settled are left to the broker's redelivery mechanics.
	Close(ctx context.Context) error
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger *slog.Logger) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface keeps transport packages decoupled from the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// GetQueue returns the logical queue/topic to consume.
	GetQueue() string

	// GetDeadLetterQueue returns the dead-letter queue/topic name.
	GetDeadLetterQueue() string

	// GetDeferDelay returns the delay applied by Defer on transports that
	// emulate or parameterise deferral.
	GetDeferDelay() time.Duration

	// Channel
	GetChannelBufferSize() int

	// AWS SQS
	GetSQSQueueURL() string
	GetSQSDeadLetterQueueURL() string
	GetAWSRegion() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// NATS JetStream
	GetNATSURL() string
	GetNATSStream() string
}
