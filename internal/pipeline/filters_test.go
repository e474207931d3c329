package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstilson/pipewright/transport"
)

func retryTask() Task {
	return TaskFunc(func(ctx context.Context, msg *transport.Message) (Disposition, error) {
		return Retry(), nil
	})
}

func TestMaxDeliveriesFilterConvertsRetryAtLimit(t *testing.T) {
	set := NewFilterSet().Add(0, &MaxDeliveriesFilter{Max: 3}).MustBuild()

	ec := newTestContext()
	ec.Message.DeliveryCount = 3
	outcome, err := runFilterChain(ec, set, retryTask())

	require.NoError(t, err)
	assert.Equal(t, DispositionReject, outcome.Kind)
	assert.Equal(t, "RetryExhausted", outcome.Reason)
}

func TestMaxDeliveriesFilterLeavesEarlyRetriesAlone(t *testing.T) {
	set := NewFilterSet().Add(0, &MaxDeliveriesFilter{Max: 3}).MustBuild()

	ec := newTestContext()
	ec.Message.DeliveryCount = 2
	outcome, err := runFilterChain(ec, set, retryTask())

	require.NoError(t, err)
	assert.Equal(t, DispositionRetry, outcome.Kind)
}

func TestMaxDeliveriesFilterIgnoresNonRetryOutcomes(t *testing.T) {
	var trace []string
	set := NewFilterSet().Add(0, &MaxDeliveriesFilter{Max: 1}).MustBuild()

	ec := newTestContext()
	ec.Message.DeliveryCount = 10
	outcome, err := runFilterChain(ec, set, completeTask(&trace))

	require.NoError(t, err)
	assert.Equal(t, DispositionComplete, outcome.Kind)
}

func TestMaxDeliveriesFilterDefaultLimit(t *testing.T) {
	f := &MaxDeliveriesFilter{}
	assert.Equal(t, 5, f.limit())
}

func TestRequirePropertiesFilterRejectsMissing(t *testing.T) {
	var trace []string
	set := NewFilterSet().Add(0, &RequirePropertiesFilter{Keys: []string{"tenant", "source"}}).MustBuild()

	ec := newTestContext()
	outcome, err := runFilterChain(ec, set, completeTask(&trace))

	require.NoError(t, err)
	assert.Equal(t, DispositionReject, outcome.Kind)
	assert.Equal(t, "AuthorizationFailed", outcome.Reason)
	assert.Contains(t, outcome.Description, "source")
	assert.NotContains(t, trace, "task")
}

func TestRequirePropertiesFilterPassesWhenPresent(t *testing.T) {
	var trace []string
	set := NewFilterSet().Add(0, &RequirePropertiesFilter{Keys: []string{"tenant"}}).MustBuild()

	ec := newTestContext()
	outcome, err := runFilterChain(ec, set, completeTask(&trace))

	require.NoError(t, err)
	assert.Equal(t, DispositionComplete, outcome.Kind)
	assert.Contains(t, trace, "task")
}

func TestSchemaFilterRejectsInvalidPayload(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name", "email"]
	}`)
	filter, err := NewSchemaFilter(schema)
	require.NoError(t, err)

	var trace []string
	set := NewFilterSet().Add(0, filter).MustBuild()

	ec := newTestContext()
	outcome, err := runFilterChain(ec, set, completeTask(&trace))

	require.NoError(t, err)
	assert.Equal(t, DispositionReject, outcome.Kind)
	assert.Equal(t, "SchemaValidationFailed", outcome.Reason)
	assert.NotContains(t, trace, "task")
}

func TestSchemaFilterAcceptsValidPayload(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
	filter, err := NewSchemaFilter(schema)
	require.NoError(t, err)

	var trace []string
	set := NewFilterSet().Add(0, filter).MustBuild()

	ec := newTestContext()
	outcome, err := runFilterChain(ec, set, completeTask(&trace))

	require.NoError(t, err)
	assert.Equal(t, DispositionComplete, outcome.Kind)
	assert.Contains(t, trace, "task")
}

func TestNewSchemaFilterRejectsBadSchema(t *testing.T) {
	_, err := NewSchemaFilter([]byte(`{"type": 42}`))
	assert.Error(t, err)
}

func TestTimingFilterRecordsElapsed(t *testing.T) {
	var trace []string
	var recordedKey string
	var recorded time.Duration

	set := NewFilterSet().Add(0, &TimingFilter{
		Record: func(routingKey string, elapsed time.Duration) {
			recordedKey = routingKey
			recorded = elapsed
		},
	}).MustBuild()

	ec := newTestContext()
	_, err := runFilterChain(ec, set, completeTask(&trace))

	require.NoError(t, err)
	assert.Equal(t, "Welcome", recordedKey)
	assert.GreaterOrEqual(t, recorded, time.Duration(0))

	v, ok := ec.Get("elapsed")
	require.True(t, ok)
	assert.IsType(t, time.Duration(0), v)
}
