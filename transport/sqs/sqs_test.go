package sqs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstilson/pipewright/transport"
)

type mockClient struct {
	mu sync.Mutex

	queued []types.Message

	deleted    []amazonsqs.DeleteMessageInput
	visibility []amazonsqs.ChangeMessageVisibilityInput
	sent       []amazonsqs.SendMessageInput
}

func (m *mockClient) ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	if len(m.queued) > 0 {
		batch := m.queued
		m.queued = nil
		m.mu.Unlock()
		return &amazonsqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	m.mu.Unlock()

	// Emulate long polling: block until the caller gives up.
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *mockClient) DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, *params)
	return &amazonsqs.DeleteMessageOutput{}, nil
}

func (m *mockClient) ChangeMessageVisibility(ctx context.Context, params *amazonsqs.ChangeMessageVisibilityInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visibility = append(m.visibility, *params)
	return &amazonsqs.ChangeMessageVisibilityOutput{}, nil
}

func (m *mockClient) SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *params)
	return &amazonsqs.SendMessageOutput{MessageId: aws.String("out-1")}, nil
}

func rawMessage() types.Message {
	return types.Message{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("rh-1"),
		Body:          aws.String(`{"name":"amy"}`),
		Attributes: map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): "3",
		},
		MessageAttributes: map[string]types.MessageAttributeValue{
			"routing_key":    stringAttribute("Welcome"),
			"correlation_id": stringAttribute("corr-1"),
			"tenant":         stringAttribute("a"),
		},
	}
}

func receiveOne(t *testing.T, client *mockClient, cfg Config) (transport.Delivery, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	tr := New(client, cfg, nil)
	deliveries, err := tr.Receive(ctx)
	require.NoError(t, err)

	select {
	case d := <-deliveries:
		require.NotNil(t, d)
		return d, cancel
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("timed out waiting for delivery")
		return nil, nil
	}
}

func TestRegister(t *testing.T) {
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "sqs", caps.Name)
	assert.True(t, caps.TracksDeliveryCount)
	assert.True(t, caps.SupportsNativeDefer)
}

func TestMessageMapping(t *testing.T) {
	client := &mockClient{queued: []types.Message{rawMessage()}}
	d, cancel := receiveOne(t, client, Config{QueueURL: "https://queue"})
	defer cancel()

	msg := d.Message()
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "Welcome", msg.RoutingKey)
	assert.Equal(t, "corr-1", msg.CorrelationID)
	assert.Equal(t, 3, msg.DeliveryCount)
	assert.Equal(t, "a", msg.Property("tenant"))
	assert.Equal(t, `{"name":"amy"}`, string(msg.Payload))
}

func TestAckDeletesMessage(t *testing.T) {
	client := &mockClient{queued: []types.Message{rawMessage()}}
	d, cancel := receiveOne(t, client, Config{QueueURL: "https://queue"})
	defer cancel()

	require.NoError(t, d.Ack(context.Background()))

	require.Len(t, client.deleted, 1)
	assert.Equal(t, "https://queue", *client.deleted[0].QueueUrl)
	assert.Equal(t, "rh-1", *client.deleted[0].ReceiptHandle)
}

func TestRequeueResetsVisibility(t *testing.T) {
	client := &mockClient{queued: []types.Message{rawMessage()}}
	d, cancel := receiveOne(t, client, Config{QueueURL: "https://queue"})
	defer cancel()

	require.NoError(t, d.Requeue(context.Background(), map[string]string{"attempt": "4"}))

	require.Len(t, client.visibility, 1)
	assert.Equal(t, int32(0), client.visibility[0].VisibilityTimeout)
	assert.Empty(t, client.deleted)
}

func TestDeadLetterForwardsAndDeletes(t *testing.T) {
	client := &mockClient{queued: []types.Message{rawMessage()}}
	d, cancel := receiveOne(t, client, Config{
		QueueURL:           "https://queue",
		DeadLetterQueueURL: "https://dlq",
	})
	defer cancel()

	require.NoError(t, d.DeadLetter(context.Background(), "SchemaValidationFailed", "missing name"))

	require.Len(t, client.sent, 1)
	sent := client.sent[0]
	assert.Equal(t, "https://dlq", *sent.QueueUrl)
	assert.Equal(t, `{"name":"amy"}`, *sent.MessageBody)
	assert.Equal(t, "SchemaValidationFailed", *sent.MessageAttributes["reject_reason"].StringValue)
	assert.Equal(t, "missing name", *sent.MessageAttributes["reject_description"].StringValue)
	assert.Equal(t, "Welcome", *sent.MessageAttributes["routing_key"].StringValue)
	assert.Equal(t, "a", *sent.MessageAttributes["tenant"].StringValue)

	require.Len(t, client.deleted, 1)
}

func TestDeadLetterWithoutQueueStillDeletes(t *testing.T) {
	client := &mockClient{queued: []types.Message{rawMessage()}}
	d, cancel := receiveOne(t, client, Config{QueueURL: "https://queue"})
	defer cancel()

	require.NoError(t, d.DeadLetter(context.Background(), "TaskNotFound", ""))

	assert.Empty(t, client.sent)
	require.Len(t, client.deleted, 1)
}

func TestDeferExtendsVisibility(t *testing.T) {
	client := &mockClient{queued: []types.Message{rawMessage()}}
	d, cancel := receiveOne(t, client, Config{
		QueueURL:   "https://queue",
		DeferDelay: 2 * time.Minute,
	})
	defer cancel()

	require.NoError(t, d.Defer(context.Background(), nil))

	require.Len(t, client.visibility, 1)
	assert.Equal(t, int32(120), client.visibility[0].VisibilityTimeout)
}

func TestSettleExactlyOnce(t *testing.T) {
	client := &mockClient{queued: []types.Message{rawMessage()}}
	d, cancel := receiveOne(t, client, Config{QueueURL: "https://queue"})
	defer cancel()

	require.NoError(t, d.Ack(context.Background()))
	assert.ErrorIs(t, d.Ack(context.Background()), transport.ErrAlreadySettled)
	assert.ErrorIs(t, d.Requeue(context.Background(), nil), transport.ErrAlreadySettled)
	assert.ErrorIs(t, d.DeadLetter(context.Background(), "x", ""), transport.ErrAlreadySettled)
	assert.ErrorIs(t, d.Defer(context.Background(), nil), transport.ErrAlreadySettled)

	require.Len(t, client.deleted, 1)
}

func TestReceiveStopsOnCancel(t *testing.T) {
	client := &mockClient{}
	ctx, cancel := context.WithCancel(context.Background())

	tr := New(client, Config{QueueURL: "https://queue"}, nil)
	deliveries, err := tr.Receive(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-deliveries:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery channel was not closed after cancel")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultMaxMessages, cfg.MaxMessages)
	assert.Equal(t, DefaultWaitTime, cfg.WaitTime)
	assert.Equal(t, DefaultDeferDelay, cfg.DeferDelay)

	capped := Config{DeferDelay: 24 * time.Hour}.withDefaults()
	assert.Equal(t, 12*time.Hour, capped.DeferDelay)
}
