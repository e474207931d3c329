package transport

import "time"

// Capabilities describes the features supported by a transport backend.
// Use this to introspect which disposition operations are native and which
// are emulated at the application level.
type Capabilities struct {
	// SupportsNativeDLQ indicates the transport has built-in dead-letter
	// support. When false, DeadLetter republishes to a dead-letter topic.
	SupportsNativeDLQ bool

	// SupportsNativeDefer indicates the transport can natively park a message
	// for later delivery. When false, Defer is emulated with a timed
	// republish.
	SupportsNativeDefer bool

	// SupportsRequeue indicates the transport supports negative
	// acknowledgment with redelivery.
	SupportsRequeue bool

	// SupportsOrdering indicates messages within a queue/stream are delivered
	// in order.
	SupportsOrdering bool

	// TracksDeliveryCount indicates the broker itself counts deliveries.
	// When false, the delivery count travels in message properties.
	TracksDeliveryCount bool

	// MaxDeferDelay is the maximum defer duration supported (0 = unlimited or
	// unknown).
	MaxDeferDelay time.Duration

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresDLQEmulation returns true if the transport routes dead-lettered
// messages at the application level.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// RequiresDeferEmulation returns true if the transport emulates deferral with
// timed republishes.
func (c Capabilities) RequiresDeferEmulation() bool {
	return !c.SupportsNativeDefer
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory channel transport.
	ChannelCapabilities = Capabilities{
		Name:                "channel",
		SupportsNativeDLQ:   true,
		SupportsNativeDefer: true,
		SupportsRequeue:     true,
		SupportsOrdering:    true,
		TracksDeliveryCount: true,
	}

	// SQSCapabilities for the AWS SQS transport.
	SQSCapabilities = Capabilities{
		Name:                "sqs",
		SupportsNativeDLQ:   true,
		SupportsNativeDefer: true,
		SupportsRequeue:     true,
		SupportsOrdering:    false,
		TracksDeliveryCount: true,
		MaxDeferDelay:       12 * time.Hour,
	}

	// JetStreamCapabilities for the NATS JetStream transport.
	JetStreamCapabilities = Capabilities{
		Name:                "nats-jetstream",
		SupportsNativeDLQ:   true,
		SupportsNativeDefer: true,
		SupportsRequeue:     true,
		SupportsOrdering:    true,
		TracksDeliveryCount: true,
	}

	// WatermillCapabilities for the Watermill pub/sub adapter.
	WatermillCapabilities = Capabilities{
		Name:                "watermill",
		SupportsNativeDLQ:   false,
		SupportsNativeDefer: false,
		SupportsRequeue:     true,
		SupportsOrdering:    true,
		TracksDeliveryCount: false,
	}
)
