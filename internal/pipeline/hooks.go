package pipeline

import (
	"context"
	"time"

	loggingpkg "github.com/dstilson/pipewright/internal/pipeline/logging"
)

// TaskContext provides information about one task execution to hooks.
type TaskContext struct {
	// RoutingKey is the key the message was dispatched on.
	RoutingKey string
	// MessageID is the unique identifier of the message.
	MessageID string
	// CorrelationID groups log lines and spans across services.
	CorrelationID string
	// Properties contains the message properties.
	Properties map[string]string
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when processing started.
	StartedAt time.Time
	// Duration is how long processing took (only set in OnTaskDone and OnTaskError).
	Duration time.Duration
	// DeliveryCount is how many times the transport has delivered this message.
	DeliveryCount int
	// Disposition is the settled outcome (only set in OnTaskDone).
	Disposition *Disposition
}

// TaskHooks defines callbacks for the task lifecycle. All hooks are
// optional, nil hooks are simply not called.
type TaskHooks struct {
	// OnTaskStart is called before the filter chain runs.
	OnTaskStart func(ctx TaskContext)

	// OnTaskDone is called when processing settled on a disposition without
	// an unclaimed error.
	OnTaskDone func(ctx TaskContext)

	// OnTaskError is called when processing surfaced an unclaimed error.
	OnTaskError func(ctx TaskContext, err error)
}

// Merge combines two TaskHooks into one that calls both. The hooks from
// other run after the hooks from h.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskStart: chainTaskHooks(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:  chainTaskHooks(h.OnTaskDone, other.OnTaskDone),
		OnTaskError: chainTaskErrorHooks(h.OnTaskError, other.OnTaskError),
	}
}

func chainTaskHooks(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainTaskErrorHooks(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// TaskHooksMiddleware invokes the provided hooks around message processing.
func TaskHooksMiddleware(hooks TaskHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "task_hooks",
		Middleware: taskHooksMiddleware(hooks),
	}
}

func taskHooksMiddleware(hooks TaskHooks) Middleware {
	return func(next Handler) Handler {
		return func(ec *ExecutionContext) error {
			startedAt := time.Now()

			taskCtx := TaskContext{
				RoutingKey:    ec.Message.RoutingKey,
				MessageID:     ec.Message.ID,
				CorrelationID: ec.Message.CorrelationID,
				Properties:    ec.Message.Properties,
				Context:       ec.Context(),
				StartedAt:     startedAt,
				DeliveryCount: ec.Message.DeliveryCount,
			}

			if hooks.OnTaskStart != nil {
				hooks.OnTaskStart(taskCtx)
			}

			err := next(ec)

			taskCtx.Duration = time.Since(startedAt)

			if err != nil {
				if hooks.OnTaskError != nil {
					hooks.OnTaskError(taskCtx, err)
				}
			} else if hooks.OnTaskDone != nil {
				taskCtx.Disposition = ec.Disposition()
				hooks.OnTaskDone(taskCtx)
			}

			return err
		}
	}
}

// LoggingHooks returns pre-built hooks that log the task lifecycle.
func LoggingHooks(logger loggingpkg.ServiceLogger) TaskHooks {
	return TaskHooks{
		OnTaskStart: func(ctx TaskContext) {
			logger.Info("task started", loggingpkg.LogFields{
				"routing_key":    ctx.RoutingKey,
				"message_id":     ctx.MessageID,
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnTaskDone: func(ctx TaskContext) {
			fields := loggingpkg.LogFields{
				"routing_key": ctx.RoutingKey,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			}
			if ctx.Disposition != nil {
				fields["disposition"] = ctx.Disposition.Kind.String()
			}
			logger.Info("task completed", fields)
		},
		OnTaskError: func(ctx TaskContext, err error) {
			logger.Error("task failed", err, loggingpkg.LogFields{
				"routing_key":    ctx.RoutingKey,
				"message_id":     ctx.MessageID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that forward lifecycle events to
// caller-supplied recorders.
func MetricsHooks(onStart, onDone func(routingKey string), onError func(routingKey string)) TaskHooks {
	return TaskHooks{
		OnTaskStart: func(ctx TaskContext) {
			if onStart != nil {
				onStart(ctx.RoutingKey)
			}
		},
		OnTaskDone: func(ctx TaskContext) {
			if onDone != nil {
				onDone(ctx.RoutingKey)
			}
		},
		OnTaskError: func(ctx TaskContext, err error) {
			if onError != nil {
				onError(ctx.RoutingKey)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on task errors.
func AlertingHooks(alertFunc func(ctx TaskContext, err error)) TaskHooks {
	return TaskHooks{
		OnTaskError: alertFunc,
	}
}
