// Package pipewright receives messages from a queue and drives each one
// through a middleware chain and a five-stage filter chain to a registered
// task, settling every delivery with exactly one disposition. It reads the
// target transport (AWS SQS, NATS JetStream, Watermill, or in-memory Go
// channels) from Config, subscribes to the configured queue, and dispatches
// messages to tasks by routing key.
//
// Tasks return a Disposition describing how the delivery should be settled:
// Complete removes the message, Retry returns it for redelivery, Reject moves
// it to the dead-letter area with a reason, and Postpone parks it for later
// processing. A task that returns an error without a disposition falls back
// to Retry so that messages are never silently lost.
//
// # Transports
//
// Pipewright ships 4 transports out of the box:
//   - channel: In-memory Go channels for testing
//   - sqs: AWS SQS with visibility-timeout based retry and defer
//   - jetstream: NATS JetStream with Nak/Term based settlement
//   - wmill: Watermill pub/sub, in-memory by default
//
// Transports register themselves on import:
//
//	import _ "github.com/dstilson/pipewright/transport/sqs"
//
// # Filters
//
// Filters intercept task execution at five stages: authorization, resource
// acquisition, action execution, result handling, and exception handling.
// They run in ascending priority order on the way in and in exact reverse
// order on the way out, so paired executing/executed hooks nest like
// defer statements. Built-in filters cover delivery-count limits, required
// properties, JSON schema validation, and timing.
//
// # Middleware
//
// The default middleware chain includes error logging, correlation ID
// injection, structured message logging, OpenTelemetry tracing, Prometheus
// metrics, and panic recovery. Rate limiting, circuit breaking, and task
// lifecycle hooks are available as opt-in registrations via
// ServiceDependencies.Middlewares.
//
// # Task Hooks
//
// TaskHooksMiddleware provides OnTaskStart, OnTaskDone, and OnTaskError
// callbacks for custom logging, metrics collection, and alerting around
// task execution.
package pipewright
