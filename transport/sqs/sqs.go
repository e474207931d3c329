// Package sqs provides an AWS SQS transport for pipewright. Completion maps
// to DeleteMessage, retry to an immediate visibility reset, rejection to a
// send on the configured dead-letter queue, and postponement to a visibility
// extension.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/dstilson/pipewright/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqs"

const (
	// DefaultMaxMessages is how many messages one poll may return.
	DefaultMaxMessages = 10
	// DefaultWaitTime enables SQS long polling.
	DefaultWaitTime = 10 * time.Second
	// DefaultDeferDelay is the visibility extension applied by Defer when no
	// delay is configured.
	DefaultDeferDelay = 5 * time.Minute
	// receiveBackoff is the pause after a failed poll.
	receiveBackoff = 2 * time.Second
)

// Message attribute names used on the wire.
const (
	routingKeyAttribute    = "routing_key"
	correlationIDAttribute = "correlation_id"
	rejectReasonAttribute  = "reject_reason"
	rejectDetailAttribute  = "reject_description"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQSCapabilities)
}

// Client is the subset of the SQS API the transport needs. It allows tests
// to substitute a mock for the real client.
type Client interface {
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
}

// Build creates an SQS transport from the shared transport config.
func Build(ctx context.Context, cfg transport.Config, logger *slog.Logger) (transport.Transport, error) {
	if cfg.GetSQSQueueURL() == "" {
		return nil, errors.New("pipewright: SQS queue URL is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.GetAWSRegion() != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.GetAWSRegion()))
	}
	if cfg.GetAWSAccessKeyID() != "" && cfg.GetAWSSecretAccessKey() != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			staticCredentialsProvider(cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey())))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("pipewright: loading AWS config: %w", err)
	}

	client := amazonsqs.NewFromConfig(awsCfg, func(o *amazonsqs.Options) {
		if cfg.GetAWSEndpoint() != "" {
			o.BaseEndpoint = aws.String(cfg.GetAWSEndpoint())
		}
	})

	return New(client, Config{
		QueueURL:           cfg.GetSQSQueueURL(),
		DeadLetterQueueURL: cfg.GetSQSDeadLetterQueueURL(),
		DeferDelay:         cfg.GetDeferDelay(),
	}, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQSCapabilities
}

// Config holds SQS-specific configuration.
type Config struct {
	// QueueURL is the source queue.
	QueueURL string

	// DeadLetterQueueURL receives rejected messages. When empty, rejections
	// fall back to deleting the message after logging it.
	DeadLetterQueueURL string

	// MaxMessages caps one poll. Defaults to 10.
	MaxMessages int

	// WaitTime is the long-polling interval. Defaults to 10s.
	WaitTime time.Duration

	// DeferDelay is the visibility extension applied by Defer. Defaults to
	// 5 minutes; SQS caps it at 12 hours.
	DeferDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessages <= 0 || c.MaxMessages > 10 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.WaitTime <= 0 {
		c.WaitTime = DefaultWaitTime
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = DefaultDeferDelay
	}
	if c.DeferDelay > 12*time.Hour {
		c.DeferDelay = 12 * time.Hour
	}
	return c
}

// Transport consumes an SQS queue.
type Transport struct {
	client Client
	cfg    Config
	logger *slog.Logger

	closed    chan struct{}
	closeOnce func()
}

// New creates an SQS transport. A nil logger falls back to slog.Default.
func New(client Client, cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	closed := make(chan struct{})
	var once atomic.Bool
	return &Transport{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger,
		closed: closed,
		closeOnce: func() {
			if once.CompareAndSwap(false, true) {
				close(closed)
			}
		},
	}
}

// Receive implements transport.Transport. It polls the queue with long
// polling until ctx is cancelled or the transport is closed.
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
			default:
			}

			output, err := t.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
				QueueUrl:            aws.String(t.cfg.QueueURL),
				MaxNumberOfMessages: int32(t.cfg.MaxMessages),
				WaitTimeSeconds:     int32(t.cfg.WaitTime / time.Second),
				MessageAttributeNames: []string{
					"All",
				},
				MessageSystemAttributeNames: []types.MessageSystemAttributeName{
					types.MessageSystemAttributeNameApproximateReceiveCount,
				},
			})
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				t.logger.Error("failed to receive messages", "error", err, "queue_url", t.cfg.QueueURL)
				select {
				case <-time.After(receiveBackoff):
				case <-ctx.Done():
					return
				case <-t.closed:
					return
				}
				continue
			}

			for _, raw := range output.Messages {
				d := &delivery{t: t, raw: raw, msg: t.toMessage(raw)}
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
	t.closeOnce()
	return nil
}

func (t *Transport) toMessage(raw types.Message) *transport.Message {
	msg := &transport.Message{
		DeliveryCount: 1,
		Properties:    make(map[string]string),
		ReceivedAt:    time.Now().UTC(),
	}
	if raw.MessageId != nil {
		msg.ID = *raw.MessageId
	}
	if raw.Body != nil {
		msg.Payload = []byte(*raw.Body)
	}
	if count, err := strconv.Atoi(raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && count > 0 {
		msg.DeliveryCount = count
	}
	for name, attr := range raw.MessageAttributes {
		if attr.StringValue == nil {
			continue
		}
		switch name {
		case routingKeyAttribute:
			msg.RoutingKey = *attr.StringValue
		case correlationIDAttribute:
			msg.CorrelationID = *attr.StringValue
		default:
			msg.Properties[name] = *attr.StringValue
		}
	}
	return msg
}

type delivery struct {
	t       *Transport
	raw     types.Message
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

// Ack deletes the message from the queue.
func (d *delivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	_, err := d.t.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.t.cfg.QueueURL),
		ReceiptHandle: d.raw.ReceiptHandle,
	})
	return err
}

// Requeue makes the message immediately visible again. SQS increments the
// receive count on redelivery; extra properties cannot be attached without
// rewriting the message, so they are dropped with a log entry.
func (d *delivery) Requeue(ctx context.Context, props map[string]string) error {
	if err := d.settle(); err != nil {
		return err
	}
	if len(props) > 0 {
		d.t.logger.Debug("requeue properties are not supported on SQS, dropping them",
			"message_id", d.msg.ID)
	}
	_, err := d.t.client.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.t.cfg.QueueURL),
		ReceiptHandle:     d.raw.ReceiptHandle,
		VisibilityTimeout: 0,
	})
	return err
}

// DeadLetter forwards the message to the dead-letter queue with the reason
// attached as message attributes, then deletes it from the source queue.
func (d *delivery) DeadLetter(ctx context.Context, reason, description string) error {
	if err := d.settle(); err != nil {
		return err
	}

	if d.t.cfg.DeadLetterQueueURL == "" {
		d.t.logger.Error("no dead-letter queue configured, dropping rejected message",
			"message_id", d.msg.ID, "reason", reason, "description", description)
	} else {
		attrs := map[string]types.MessageAttributeValue{
			rejectReasonAttribute: stringAttribute(reason),
		}
		if description != "" {
			attrs[rejectDetailAttribute] = stringAttribute(description)
		}
		if d.msg.RoutingKey != "" {
			attrs[routingKeyAttribute] = stringAttribute(d.msg.RoutingKey)
		}
		if d.msg.CorrelationID != "" {
			attrs[correlationIDAttribute] = stringAttribute(d.msg.CorrelationID)
		}
		for name, value := range d.msg.Properties {
			attrs[name] = stringAttribute(value)
		}

		body := ""
		if d.raw.Body != nil {
			body = *d.raw.Body
		}
		if _, err := d.t.client.SendMessage(ctx, &amazonsqs.SendMessageInput{
			QueueUrl:          aws.String(d.t.cfg.DeadLetterQueueURL),
			MessageBody:       aws.String(body),
			MessageAttributes: attrs,
		}); err != nil {
			return fmt.Errorf("pipewright: forwarding to dead-letter queue: %w", err)
		}
	}

	_, err := d.t.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.t.cfg.QueueURL),
		ReceiptHandle: d.raw.ReceiptHandle,
	})
	return err
}

// Defer extends the visibility timeout so the message reappears after the
// configured delay.
func (d *delivery) Defer(ctx context.Context, props map[string]string) error {
	if err := d.settle(); err != nil {
		return err
	}
	if len(props) > 0 {
		d.t.logger.Debug("defer properties are not supported on SQS, dropping them",
			"message_id", d.msg.ID)
	}
	_, err := d.t.client.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.t.cfg.QueueURL),
		ReceiptHandle:     d.raw.ReceiptHandle,
		VisibilityTimeout: int32(d.t.cfg.DeferDelay / time.Second),
	})
	return err
}

func stringAttribute(value string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
