// Package jetstream provides a NATS JetStream transport for pipewright. All
// four dispositions map to native JetStream acknowledgements: Ack, Nak,
// Term, and NakWithDelay.
package jetstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dstilson/pipewright/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "jetstream"

const (
	// DefaultStreamName is the stream used when none is configured.
	DefaultStreamName = "PIPEWRIGHT"

	// DefaultAckWait is the default redelivery timeout for unsettled
	// messages.
	DefaultAckWait = 30 * time.Second

	// DefaultDeferDelay is the Nak delay applied by Defer when none is
	// configured.
	DefaultDeferDelay = 5 * time.Minute

	// fetchBatch is how many messages one pull may return.
	fetchBatch = 10
)

// Header names used on the wire.
const (
	routingKeyHeader    = "pw_routing_key"
	correlationIDHeader = "pw_correlation_id"
	rejectReasonHeader  = "pw_reject_reason"
	rejectDetailHeader  = "pw_reject_description"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a JetStream transport from the shared transport config.
func Build(ctx context.Context, cfg transport.Config, logger *slog.Logger) (transport.Transport, error) {
	return New(Config{
		URL:               cfg.GetNATSURL(),
		StreamName:        cfg.GetNATSStream(),
		Subject:           cfg.GetQueue(),
		DeadLetterSubject: cfg.GetDeadLetterQueue(),
		DeferDelay:        cfg.GetDeferDelay(),
	}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream to consume from. Defaults to
	// "PIPEWRIGHT".
	StreamName string

	// Subject is the subject to consume, without the stream prefix.
	Subject string

	// DeadLetterSubject receives terminated messages, without the stream
	// prefix. Defaults to the consumed subject with ".deadletter" appended.
	DeadLetterSubject string

	// AckWait is how long the server waits for a settle before redelivering.
	AckWait time.Duration

	// DeferDelay is the Nak delay applied by Defer.
	DeferDelay time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.Subject == "" {
		c.Subject = "tasks"
	}
	if c.DeadLetterSubject == "" {
		c.DeadLetterSubject = c.Subject + ".deadletter"
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = DefaultDeferDelay
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport consumes a JetStream pull subscription.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger

	sub   *nats.Subscription
	subMu sync.Mutex

	closed     bool
	closedMu   sync.Mutex
	closedChan chan struct{}
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pipewright: connecting to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("pipewright: creating JetStream context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		cfg:        cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("pipewright: ensuring stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.cfg.StreamName,
		Subjects:  []string{t.cfg.StreamName + ".>"},
		MaxAge:    24 * time.Hour * 7,
		Replicas:  t.cfg.Replicas,
		Retention: nats.WorkQueuePolicy,
	}

	_, err := t.js.AddStream(streamCfg)
	if err != nil {
		_, err = t.js.UpdateStream(streamCfg)
		if err != nil {
			t.logger.Info("JetStream stream exists", "stream", t.cfg.StreamName)
		}
	}

	return nil
}

// Publish sends a message onto the consumed subject.
func (t *Transport) Publish(routingKey string, payload []byte, props map[string]string) error {
	headers := nats.Header{}
	headers.Set(routingKeyHeader, routingKey)
	for k, v := range props {
		headers.Set(k, v)
	}

	_, err := t.js.PublishMsg(&nats.Msg{
		Subject: t.subject(),
		Data:    payload,
		Header:  headers,
	})
	if err != nil {
		return fmt.Errorf("pipewright: publishing to JetStream: %w", err)
	}
	return nil
}

// Receive implements transport.Transport.
func (t *Transport) Receive(ctx context.Context) (<-chan transport.Delivery, error) {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil, fmt.Errorf("pipewright: transport is closed")
	}
	t.closedMu.Unlock()

	consumerCfg := &nats.ConsumerConfig{
		Durable:       t.consumerName(),
		FilterSubject: t.subject(),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	_, err := t.js.AddConsumer(t.cfg.StreamName, consumerCfg)
	if err != nil {
		_, err = t.js.UpdateConsumer(t.cfg.StreamName, consumerCfg)
		if err != nil {
			return nil, fmt.Errorf("pipewright: creating consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(t.subject(), t.consumerName())
	if err != nil {
		return nil, fmt.Errorf("pipewright: subscribing: %w", err)
	}

	t.subMu.Lock()
	t.sub = sub
	t.subMu.Unlock()

	out := make(chan transport.Delivery)
	go t.fetchLoop(ctx, sub, out)

	return out, nil
}

func (t *Transport) fetchLoop(ctx context.Context, sub *nats.Subscription, out chan<- transport.Delivery) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			t.logger.Error("failed to fetch messages", "error", err, "subject", t.subject())
			continue
		}

		for _, natsMsg := range msgs {
			d := &delivery{t: t, raw: natsMsg, msg: t.toMessage(natsMsg)}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			}
		}
	}
}

func (t *Transport) toMessage(natsMsg *nats.Msg) *transport.Message {
	msg := &transport.Message{
		DeliveryCount: 1,
		Properties:    make(map[string]string),
		Payload:       natsMsg.Data,
		ReceivedAt:    time.Now().UTC(),
	}

	if meta, err := natsMsg.Metadata(); err == nil {
		msg.ID = fmt.Sprintf("%s-%d", t.cfg.StreamName, meta.Sequence.Stream)
		msg.DeliveryCount = int(meta.NumDelivered)
	}

	for name, values := range natsMsg.Header {
		if len(values) == 0 {
			continue
		}
		switch name {
		case routingKeyHeader:
			msg.RoutingKey = values[0]
		case correlationIDHeader:
			msg.CorrelationID = values[0]
		default:
			msg.Properties[name] = values[0]
		}
	}

	return msg
}

func (t *Transport) subject() string {
	return t.cfg.StreamName + "." + t.cfg.Subject
}

func (t *Transport) deadLetterSubject() string {
	return t.cfg.StreamName + "." + t.cfg.DeadLetterSubject
}

func (t *Transport) consumerName() string {
	return "pipewright_" + t.cfg.Subject
}

// Close implements transport.Transport.
func (t *Transport) Close(ctx context.Context) error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
		t.sub = nil
	}
	t.subMu.Unlock()

	t.nc.Close()
	return nil
}

type delivery struct {
	t       *Transport
	raw     *nats.Msg
	msg     *transport.Message
	settled bool
	mu      sync.Mutex
}

func (d *delivery) Message() *transport.Message { return d.msg }

func (d *delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return transport.ErrAlreadySettled
	}
	d.settled = true
	return nil
}

// Ack acknowledges the message.
func (d *delivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.raw.Ack()
}

// Requeue negatively acknowledges the message for immediate redelivery. The
// server tracks the delivery count; extra properties cannot be attached and
// are dropped with a log entry.
func (d *delivery) Requeue(ctx context.Context, props map[string]string) error {
	if err := d.settle(); err != nil {
		return err
	}
	if len(props) > 0 {
		d.t.logger.Debug("requeue properties are not supported on JetStream, dropping them",
			"message_id", d.msg.ID)
	}
	return d.raw.Nak()
}

// DeadLetter terminates the message so it is never redelivered. The reason is
// logged and the message republished to the dead-letter subject for
// inspection.
func (d *delivery) DeadLetter(ctx context.Context, reason, description string) error {
	if err := d.settle(); err != nil {
		return err
	}

	headers := nats.Header{}
	for k, v := range d.raw.Header {
		if len(v) > 0 {
			headers.Set(k, v[0])
		}
	}
	headers.Set(rejectReasonHeader, reason)
	if description != "" {
		headers.Set(rejectDetailHeader, description)
	}

	if _, err := d.t.js.PublishMsg(&nats.Msg{
		Subject: d.t.deadLetterSubject(),
		Data:    d.raw.Data,
		Header:  headers,
	}); err != nil {
		d.t.logger.Error("failed to publish to dead-letter subject", "error", err,
			"message_id", d.msg.ID, "reason", reason)
	}

	return d.raw.Term()
}

// Defer negatively acknowledges the message with the configured delay.
func (d *delivery) Defer(ctx context.Context, props map[string]string) error {
	if err := d.settle(); err != nil {
		return err
	}
	if len(props) > 0 {
		d.t.logger.Debug("defer properties are not supported on JetStream, dropping them",
			"message_id", d.msg.ID)
	}
	return d.raw.NakWithDelay(d.t.cfg.DeferDelay)
}
