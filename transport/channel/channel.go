// Package channel provides an in-memory transport for pipewright. All four
// disposition operations are handled natively, which makes it the transport
// of choice for tests and local development.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dstilson/pipewright/internal/pipeline/ids"
	"github.com/dstilson/pipewright/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultBufferSize is the queue capacity used when none is configured.
const DefaultBufferSize = 64

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new channel transport from the shared transport config.
func Build(ctx context.Context, cfg transport.Config, logger *slog.Logger) (transport.Transport, error) {
	return New(Config{
		BufferSize: cfg.GetChannelBufferSize(),
		DeferDelay: cfg.GetDeferDelay(),
	}, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Config holds channel-specific configuration.
type Config struct {
	// BufferSize is the capacity of the in-memory queue.
	BufferSize int

	// DeferDelay is how long deferred messages are parked before redelivery.
	// When zero, deferred messages stay parked until ReleaseDeferred is
	// called.
	DeferDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// DeadLettered is a message that was rejected, together with the reason.
type DeadLettered struct {
	Message     *transport.Message
	Reason      string
	Description string
}

// Transport is an in-memory queue with native disposition semantics.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	queue chan *transport.Message

	mu           sync.Mutex
	deadLettered []DeadLettered
	parked       []*transport.Message
	timers       []*time.Timer

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a channel transport. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan *transport.Message, cfg.BufferSize),
		closed: make(chan struct{}),
	}
}

// Publish enqueues a new message and returns it. The message gets a ULID
// identifier and a delivery count of one.
func (t *Transport) Publish(routingKey string, payload []byte, props map[string]string) *transport.Message {
	msg := &transport.Message{
		ID:            ids.New(),
		RoutingKey:    routingKey,
		CorrelationID: props["correlation_id"],
		DeliveryCount: 1,
		Properties:    cloneProps(props),
		Payload:       payload,
		ReceivedAt:    time.Now().UTC(),
	}
	t.enqueue(msg)
	return msg
}

// PublishMessage enqueues an already constructed message, for tests that need
// full control over metadata such as the delivery count.
func (t *Transport) PublishMessage(msg *transport.Message) {
	if msg.DeliveryCount <= 0 {
		msg.DeliveryCount = 1
	}
	t.enqueue(msg)
}

// Receive implements transport.Transport.
func (t *Transport) Receive(ctx context.Context) (<-chan transport.Delivery, error) {
	out := make(chan transport.Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			case msg := <-t.queue:
				d := &delivery{t: t, msg: msg}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				case <-t.closed:
					return
				}
			}
		}
	}()

	return out, nil
}

// Close implements transport.Transport.
func (t *Transport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		for _, timer := range t.timers {
			timer.Stop()
		}
		t.timers = nil
		t.mu.Unlock()
	})
	return nil
}

// DeadLettered returns the messages rejected so far.
func (t *Transport) DeadLettered() []DeadLettered {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DeadLettered, len(t.deadLettered))
	copy(out, t.deadLettered)
	return out
}

// Parked returns the number of deferred messages awaiting release.
func (t *Transport) Parked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parked)
}

// ReleaseDeferred re-enqueues all parked messages and returns how many were
// released. Only meaningful when DeferDelay is zero.
func (t *Transport) ReleaseDeferred() int {
	t.mu.Lock()
	released := t.parked
	t.parked = nil
	t.mu.Unlock()

	for _, msg := range released {
		t.enqueue(msg)
	}
	return len(released)
}

// Depth returns the number of messages currently queued.
func (t *Transport) Depth() int {
	return len(t.queue)
}

func (t *Transport) enqueue(msg *transport.Message) {
	select {
	case <-t.closed:
	case t.queue <- msg:
	}
}

func (t *Transport) redeliver(msg *transport.Message, props map[string]string) *transport.Message {
	return &transport.Message{
		ID:            msg.ID,
		RoutingKey:    msg.RoutingKey,
		CorrelationID: msg.CorrelationID,
		DeliveryCount: msg.DeliveryCount + 1,
		Properties:    mergeProps(msg.Properties, props),
		Payload:       msg.Payload,
		ReceivedAt:    time.Now().UTC(),
	}
}

type delivery struct {
	t       *Transport
	msg     *transport.Message
	settled atomic.Bool
}

func (d *delivery) Message() *transport.Message { return d.msg }

func (d *delivery) settle() error {
	if !d.settled.CompareAndSwap(false, true) {
		return transport.ErrAlreadySettled
	}
	return nil
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle()
}

func (d *delivery) Requeue(ctx context.Context, props map[string]string) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.t.enqueue(d.t.redeliver(d.msg, props))
	return nil
}

func (d *delivery) DeadLetter(ctx context.Context, reason, description string) error {
	if err := d.settle(); err != nil {
		return err
	}
	d.t.mu.Lock()
	d.t.deadLettered = append(d.t.deadLettered, DeadLettered{
		Message:     d.msg,
		Reason:      reason,
		Description: description,
	})
	d.t.mu.Unlock()
	return nil
}

func (d *delivery) Defer(ctx context.Context, props map[string]string) error {
	if err := d.settle(); err != nil {
		return err
	}

	next := d.t.redeliver(d.msg, props)

	if d.t.cfg.DeferDelay <= 0 {
		d.t.mu.Lock()
		d.t.parked = append(d.t.parked, next)
		d.t.mu.Unlock()
		return nil
	}

	d.t.mu.Lock()
	timer := time.AfterFunc(d.t.cfg.DeferDelay, func() {
		d.t.enqueue(next)
	})
	d.t.timers = append(d.t.timers, timer)
	d.t.mu.Unlock()
	return nil
}

func cloneProps(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func mergeProps(base, overlay map[string]string) map[string]string {
	out := cloneProps(base)
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
