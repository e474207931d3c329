package jetstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dstilson/pipewright/transport"
)

func TestRegister(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.True(t, caps.SupportsNativeDefer)
	assert.True(t, caps.TracksDeliveryCount)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.JetStreamCapabilities, caps)
	assert.Equal(t, "nats-jetstream", caps.Name)
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "jetstream", TransportName)
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		cfg := Config{}
		result := cfg.withDefaults()

		assert.Equal(t, "PIPEWRIGHT", result.StreamName)
		assert.Equal(t, "tasks", result.Subject)
		assert.Equal(t, "tasks.deadletter", result.DeadLetterSubject)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, DefaultDeferDelay, result.DeferDelay)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:               "nats://localhost:4222",
			StreamName:        "CUSTOM",
			Subject:           "orders",
			DeadLetterSubject: "orders.failed",
			AckWait:           time.Minute,
			DeferDelay:        10 * time.Minute,
			Replicas:          3,
		}
		result := cfg.withDefaults()

		assert.Equal(t, "nats://localhost:4222", result.URL)
		assert.Equal(t, "CUSTOM", result.StreamName)
		assert.Equal(t, "orders", result.Subject)
		assert.Equal(t, "orders.failed", result.DeadLetterSubject)
		assert.Equal(t, time.Minute, result.AckWait)
		assert.Equal(t, 10*time.Minute, result.DeferDelay)
		assert.Equal(t, 3, result.Replicas)
	})

	t.Run("negative values get defaults", func(t *testing.T) {
		cfg := Config{
			AckWait:    -1,
			DeferDelay: -1,
			Replicas:   -1,
		}
		result := cfg.withDefaults()

		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, DefaultDeferDelay, result.DeferDelay)
		assert.Equal(t, 1, result.Replicas)
	})
}

func TestSubjectNaming(t *testing.T) {
	tr := &Transport{cfg: Config{StreamName: "PIPEWRIGHT", Subject: "orders"}.withDefaults()}
	assert.Equal(t, "PIPEWRIGHT.orders", tr.subject())
	assert.Equal(t, "PIPEWRIGHT.orders.deadletter", tr.deadLetterSubject())
	assert.Equal(t, "pipewright_orders", tr.consumerName())

	tr = &Transport{cfg: Config{StreamName: "PIPEWRIGHT", Subject: "orders", DeadLetterSubject: "orders.failed"}}
	assert.Equal(t, "PIPEWRIGHT.orders.failed", tr.deadLetterSubject())
}
