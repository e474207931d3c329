// Package wmill adapts any Watermill publisher/subscriber pair to the
// pipewright transport interface. Watermill only knows ack and nack, so
// requeue, dead-letter, and defer are emulated by republishing with metadata
// and acknowledging the original.
package wmill

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/dstilson/pipewright/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "wmill"

// DeadLetterSuffix is appended to the topic for rejected messages.
const DeadLetterSuffix = ".deadletter"

// Metadata keys used on the wire.
const (
	MetadataRoutingKey    = "pw_routing_key"
	MetadataCorrelationID = "pw_correlation_id"
	MetadataDeliveryCount = "pw_delivery_count"
	MetadataRejectReason  = "pw_reject_reason"
	MetadataRejectDetail  = "pw_reject_description"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.WatermillCapabilities)
}

// Build creates a Watermill adapter backed by an in-process gochannel
// pub/sub. Other Watermill pub/subs are wired through New.
func Build(ctx context.Context, cfg transport.Config, logger *slog.Logger) (transport.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))
	return New(pubSub, pubSub, Config{
		Topic:           cfg.GetQueue(),
		DeadLetterTopic: cfg.GetDeadLetterQueue(),
		DeferDelay:      cfg.GetDeferDelay(),
	}, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.WatermillCapabilities
}

// Config holds adapter-specific configuration.
type Config struct {
	// Topic is the topic messages are consumed from.
	Topic string

	// DeadLetterTopic receives rejected messages. Defaults to the consumed
	// topic with DeadLetterSuffix appended.
	DeadLetterTopic string

	// DeferDelay is how long deferred messages wait before republication.
	DeferDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "tasks"
	}
	if c.DeadLetterTopic == "" {
		c.DeadLetterTopic = c.Topic + DeadLetterSuffix
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = time.Minute
	}
	return c
}

// Transport adapts a Watermill publisher/subscriber pair.
type Transport struct {
	pub    message.Publisher
	sub    message.Subscriber
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	timers []*time.Timer

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a Watermill adapter around the given publisher and subscriber.
// A nil logger falls back to slog.Default.
func New(pub message.Publisher, sub message.Subscriber, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		pub:    pub,
		sub:    sub,
		cfg:    cfg.withDefaults(),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Publish sends a message onto the consumed topic.
func (t *Transport) Publish(routingKey string, payload []byte, props map[string]string) error {
	wmMsg := message.NewMessage(watermill.NewULID(), payload)
	wmMsg.Metadata.Set(MetadataRoutingKey, routingKey)
	wmMsg.Metadata.Set(MetadataDeliveryCount, "1")
	for k, v := range props {
		wmMsg.Metadata.Set(k, v)
	}
	return t.pub.Publish(t.cfg.Topic, wmMsg)
}

// Receive implements transport.Transport.
func (t *Transport) Receive(ctx context.Context) (<-chan transport.Delivery, error) {
	wmMsgs, err := t.sub.Subscribe(ctx, t.cfg.Topic)
	if err != nil {
		return nil, err
	}

	out := make(chan transport.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			case wmMsg, ok := <-wmMsgs:
				if !ok {
					return
				}
				d := &delivery{t: t, raw: wmMsg, msg: t.toMessage(wmMsg)}
				select {
				case out <- d:
				case <-ctx.Done():
					wmMsg.Nack()
					return
				case <-t.closed:
					wmMsg.Nack()
					return
				}
			}
		}
	}()

	return out, nil
}

// Close implements transport.Transport.
func (t *Transport) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		for _, timer := range t.timers {
			timer.Stop()
		}
		t.timers = nil
		t.mu.Unlock()

		err = t.pub.Close()
		if subErr := t.sub.Close(); err == nil {
			err = subErr
		}
	})
	return err
}

func (t *Transport) toMessage(wmMsg *message.Message) *transport.Message {
	msg := &transport.Message{
		ID:            wmMsg.UUID,
		DeliveryCount: 1,
		Properties:    make(map[string]string),
		Payload:       wmMsg.Payload,
		ReceivedAt:    time.Now().UTC(),
	}

	for k, v := range wmMsg.Metadata {
		switch k {
		case MetadataRoutingKey:
			msg.RoutingKey = v
		case MetadataCorrelationID:
			msg.CorrelationID = v
		case MetadataDeliveryCount:
			if count, err := strconv.Atoi(v); err == nil && count > 0 {
				msg.DeliveryCount = count
			}
		default:
			msg.Properties[k] = v
		}
	}

	return msg
}

// republish clones the message with an incremented delivery count and the
// supplied properties merged in.
func (t *Transport) republish(topic string, d *delivery, props map[string]string) error {
	wmMsg := message.NewMessage(d.raw.UUID, d.raw.Payload)
	for k, v := range d.raw.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(MetadataDeliveryCount, strconv.Itoa(d.msg.DeliveryCount+1))
	for k, v := range props {
		wmMsg.Metadata.Set(k, v)
	}
	return t.pub.Publish(topic, wmMsg)
}

type delivery struct {
	t       *Transport
	raw     *message.Message
	msg     *transport.Message
	settled sync.Once
}

func (d *delivery) Message() *transport.Message { return d.msg }

func (d *delivery) settle(fn func() error) error {
	err := transport.ErrAlreadySettled
	d.settled.Do(func() {
		err = fn()
	})
	return err
}

// Ack acknowledges the Watermill message.
func (d *delivery) Ack(ctx context.Context) error {
	return d.settle(func() error {
		d.raw.Ack()
		return nil
	})
}

// Requeue republishes the message with an incremented delivery count, then
// acknowledges the original.
func (d *delivery) Requeue(ctx context.Context, props map[string]string) error {
	return d.settle(func() error {
		if err := d.t.republish(d.t.cfg.Topic, d, props); err != nil {
			d.raw.Nack()
			return err
		}
		d.raw.Ack()
		return nil
	})
}

// DeadLetter publishes the message to the dead-letter topic with the reason
// in metadata, then acknowledges the original.
func (d *delivery) DeadLetter(ctx context.Context, reason, description string) error {
	return d.settle(func() error {
		wmMsg := message.NewMessage(d.raw.UUID, d.raw.Payload)
		for k, v := range d.raw.Metadata {
			wmMsg.Metadata.Set(k, v)
		}
		wmMsg.Metadata.Set(MetadataRejectReason, reason)
		if description != "" {
			wmMsg.Metadata.Set(MetadataRejectDetail, description)
		}

		if err := d.t.pub.Publish(d.t.cfg.DeadLetterTopic, wmMsg); err != nil {
			d.raw.Nack()
			return err
		}
		d.raw.Ack()
		return nil
	})
}

// Defer schedules a republication after the configured delay, then
// acknowledges the original.
func (d *delivery) Defer(ctx context.Context, props map[string]string) error {
	return d.settle(func() error {
		timer := time.AfterFunc(d.t.cfg.DeferDelay, func() {
			select {
			case <-d.t.closed:
				return
			default:
			}
			if err := d.t.republish(d.t.cfg.Topic, d, props); err != nil {
				d.t.logger.Error("failed to republish deferred message",
					"error", err, "message_id", d.msg.ID)
			}
		})

		d.t.mu.Lock()
		d.t.timers = append(d.t.timers, timer)
		d.t.mu.Unlock()

		d.raw.Ack()
		return nil
	})
}
