package pipeline

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/dstilson/pipewright/internal/pipeline/logging"
)

func TestChainMiddlewaresOrder(t *testing.T) {
	var trace []string
	named := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ec *ExecutionContext) error {
				trace = append(trace, name+":in")
				err := next(ec)
				trace = append(trace, name+":out")
				return err
			}
		}
	}

	terminal := Handler(func(ec *ExecutionContext) error {
		trace = append(trace, "terminal")
		return nil
	})

	h := chainMiddlewares(terminal, []Middleware{named("outer"), named("inner")})
	require.NoError(t, h(newTestContext()))

	assert.Equal(t, []string{"outer:in", "inner:in", "terminal", "inner:out", "outer:out"}, trace)
}

func TestCorrelationIDMiddlewareFillsMissingID(t *testing.T) {
	reg := CorrelationIDMiddleware()
	h := reg.Middleware(func(ec *ExecutionContext) error { return nil })

	ec := newTestContext()
	ec.Message.CorrelationID = ""
	require.NoError(t, h(ec))
	assert.NotEmpty(t, ec.Message.CorrelationID)
}

func TestCorrelationIDMiddlewareKeepsExistingID(t *testing.T) {
	reg := CorrelationIDMiddleware()
	h := reg.Middleware(func(ec *ExecutionContext) error { return nil })

	ec := newTestContext()
	ec.Message.CorrelationID = "corr-1"
	require.NoError(t, h(ec))
	assert.Equal(t, "corr-1", ec.Message.CorrelationID)
}

func TestLogMessagesMiddlewareLogsPayload(t *testing.T) {
	var buf bytes.Buffer
	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	reg := LogMessagesMiddleware(logger)
	mw, err := reg.Builder(&Service{})
	require.NoError(t, err)

	h := mw(func(ec *ExecutionContext) error { return nil })
	require.NoError(t, h(newTestContext()))

	assert.Contains(t, buf.String(), "processing message")
	assert.Contains(t, buf.String(), "Welcome")
}

func TestLogMessagesMiddlewareRequiresLogger(t *testing.T) {
	reg := LogMessagesMiddleware(nil)
	_, err := reg.Builder(&Service{})
	assert.Error(t, err)
}

func TestErrorLoggingMiddlewareLogsUnclaimedError(t *testing.T) {
	var buf bytes.Buffer
	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	reg := ErrorLoggingMiddleware(logger)
	mw, err := reg.Builder(&Service{})
	require.NoError(t, err)

	boom := errors.New("boom")
	h := mw(func(ec *ExecutionContext) error {
		ec.SetDisposition(Retry())
		return boom
	})

	ec := newTestContext()
	assert.ErrorIs(t, h(ec), boom)
	assert.Contains(t, buf.String(), "message processing failed")
	assert.Contains(t, buf.String(), "retry")
}

func TestRecovererMiddlewareConvertsPanic(t *testing.T) {
	reg := RecovererMiddleware()
	h := reg.Middleware(func(ec *ExecutionContext) error {
		panic("kaboom")
	})

	err := h(newTestContext())
	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestMetricsMiddlewareObservesOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	s := &Service{metrics: NewPipelineMetrics(registry)}

	reg := MetricsMiddleware()
	mw, err := reg.Builder(s)
	require.NoError(t, err)

	h := mw(func(ec *ExecutionContext) error {
		ec.SetDisposition(Complete())
		return nil
	})
	require.NoError(t, h(newTestContext()))

	families, err := registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() == "pipewright_messages_processed_total" {
			found = true
			require.Len(t, fam.GetMetric(), 1)
			assert.Equal(t, float64(1), fam.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "expected pipewright_messages_processed_total to be registered")
}

func TestRateLimitMiddlewarePostponesOverLimit(t *testing.T) {
	reg := RateLimitMiddleware(RateLimiterConfig{Limit: 2, Window: time.Hour})

	var handled int
	h := reg.Middleware(func(ec *ExecutionContext) error {
		handled++
		ec.SetDisposition(Complete())
		return nil
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, h(newTestContext()))
	}
	assert.Equal(t, 2, handled)

	ec := newTestContext()
	require.NoError(t, h(ec))
	assert.Equal(t, 2, handled, "third message should not reach the handler")
	require.NotNil(t, ec.Disposition())
	assert.Equal(t, DispositionPostpone, ec.Disposition().Kind)
}

func TestRateLimiterWindowReset(t *testing.T) {
	limiter := newRateLimiter(RateLimiterConfig{Limit: 1, Window: time.Minute})

	now := time.Now()
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.allow("Welcome"))
	assert.False(t, limiter.allow("Welcome"))
	// A different routing key has its own window.
	assert.True(t, limiter.allow("Farewell"))

	limiter.now = func() time.Time { return now.Add(2 * time.Minute) }
	assert.True(t, limiter.allow("Welcome"))
}

func TestCircuitBreakerMiddlewareOpensAfterFailures(t *testing.T) {
	reg := CircuitBreakerMiddleware(CircuitBreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour})

	boom := errors.New("boom")
	var handled int
	h := reg.Middleware(func(ec *ExecutionContext) error {
		handled++
		return boom
	})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, h(newTestContext()), boom)
	}
	assert.Equal(t, 2, handled)

	// Breaker is open now: the handler is skipped and the message retried.
	ec := newTestContext()
	require.NoError(t, h(ec))
	assert.Equal(t, 2, handled)
	require.NotNil(t, ec.Disposition())
	assert.Equal(t, DispositionRetry, ec.Disposition().Kind)
}

func TestTaskHooksMiddlewareLifecycle(t *testing.T) {
	var started, done int
	var doneDisposition *Disposition

	hooks := TaskHooks{
		OnTaskStart: func(ctx TaskContext) { started++ },
		OnTaskDone: func(ctx TaskContext) {
			done++
			doneDisposition = ctx.Disposition
		},
	}

	reg := TaskHooksMiddleware(hooks)
	h := reg.Middleware(func(ec *ExecutionContext) error {
		ec.SetDisposition(Complete())
		return nil
	})

	require.NoError(t, h(newTestContext()))
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, done)
	require.NotNil(t, doneDisposition)
	assert.Equal(t, DispositionComplete, doneDisposition.Kind)
}

func TestTaskHooksMiddlewareError(t *testing.T) {
	var failures []error
	hooks := TaskHooks{
		OnTaskError: func(ctx TaskContext, err error) { failures = append(failures, err) },
	}

	boom := errors.New("boom")
	reg := TaskHooksMiddleware(hooks)
	h := reg.Middleware(func(ec *ExecutionContext) error { return boom })

	assert.ErrorIs(t, h(newTestContext()), boom)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], boom)
}

func TestTaskHooksMerge(t *testing.T) {
	var trace []string
	a := TaskHooks{OnTaskStart: func(ctx TaskContext) { trace = append(trace, "a") }}
	b := TaskHooks{OnTaskStart: func(ctx TaskContext) { trace = append(trace, "b") }}

	merged := a.Merge(b)
	merged.OnTaskStart(TaskContext{})
	assert.Equal(t, []string{"a", "b"}, trace)
	assert.Nil(t, merged.OnTaskDone)
}

func TestMiddlewareRegistrationRequiresMiddlewareOrBuilder(t *testing.T) {
	s := &Service{}
	err := s.RegisterMiddleware(MiddlewareRegistration{Name: "empty"})
	assert.Error(t, err)
}
