package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitiesRequiresDLQEmulation(t *testing.T) {
	assert.False(t, Capabilities{SupportsNativeDLQ: true}.RequiresDLQEmulation())
	assert.True(t, Capabilities{}.RequiresDLQEmulation())
}

func TestCapabilitiesRequiresDeferEmulation(t *testing.T) {
	assert.False(t, Capabilities{SupportsNativeDefer: true}.RequiresDeferEmulation())
	assert.True(t, Capabilities{}.RequiresDeferEmulation())
}

func TestBuiltinCapabilitySets(t *testing.T) {
	assert.Equal(t, "sqs", SQSCapabilities.Name)
	assert.Equal(t, 12*time.Hour, SQSCapabilities.MaxDeferDelay)
	assert.True(t, SQSCapabilities.TracksDeliveryCount)

	assert.Equal(t, "nats-jetstream", JetStreamCapabilities.Name)
	assert.False(t, JetStreamCapabilities.RequiresDLQEmulation())

	assert.Equal(t, "channel", ChannelCapabilities.Name)
	assert.True(t, ChannelCapabilities.SupportsOrdering)

	assert.Equal(t, "watermill", WatermillCapabilities.Name)
	assert.True(t, WatermillCapabilities.RequiresDLQEmulation())
	assert.True(t, WatermillCapabilities.RequiresDeferEmulation())
}
