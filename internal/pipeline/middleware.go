package pipeline

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	errspkg "github.com/dstilson/pipewright/internal/pipeline/errors"
	idspkg "github.com/dstilson/pipewright/internal/pipeline/ids"
	loggingpkg "github.com/dstilson/pipewright/internal/pipeline/logging"
)

// Handler processes one message through the filter chain and the task. The
// terminal handler records the disposition on the execution context.
type Handler func(*ExecutionContext) error

// Middleware wraps a Handler. Registered middlewares compose back to front,
// so the first registration is the outermost wrapper.
type Middleware func(Handler) Handler

// MiddlewareBuilder constructs a middleware using the owning service, for
// middlewares that need its config, logger or metrics.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be attached to a
// Service. Exactly one of Middleware or Builder must be set.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain used by the Service
// constructor, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		ErrorLoggingMiddleware(nil),
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// chainMiddlewares composes the middlewares around the terminal handler so
// that the first entry runs outermost.
func chainMiddlewares(terminal Handler, mws []Middleware) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// CorrelationIDMiddleware fills in a correlation identifier when the inbound
// message carries none, so downstream logs and spans always correlate.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(next Handler) Handler {
			return func(ec *ExecutionContext) error {
				if ec.Message.CorrelationID == "" {
					ec.Message.CorrelationID = idspkg.New()
				}
				return next(ec)
			}
		},
	}
}

// LogMessagesMiddleware logs the payload and properties of every handled
// message at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return func(next Handler) Handler {
				return func(ec *ExecutionContext) error {
					l.Debug("processing message", loggingpkg.LogFields{
						"message_id":     ec.Message.ID,
						"routing_key":    ec.Message.RoutingKey,
						"correlation_id": ec.Message.CorrelationID,
						"delivery_count": ec.Message.DeliveryCount,
						"payload":        string(ec.Message.Payload),
						"properties":     ec.Message.Properties,
					})
					return next(ec)
				}
			}, nil
		},
	}
}

// ErrorLoggingMiddleware logs handler errors together with the disposition
// that was settled on. Claimed errors are logged at debug level, unclaimed
// ones as errors. It belongs at the outermost position.
func ErrorLoggingMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "error_logging",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return func(next Handler) Handler {
				return func(ec *ExecutionContext) error {
					err := next(ec)

					fields := loggingpkg.LogFields{
						"message_id":     ec.Message.ID,
						"routing_key":    ec.Message.RoutingKey,
						"correlation_id": ec.Message.CorrelationID,
					}
					if d := ec.Disposition(); d != nil {
						fields["disposition"] = d.Kind.String()
						if d.Reason != "" {
							fields["reason"] = d.Reason
						}
					}

					switch {
					case err != nil:
						l.Error("message processing failed", err, fields)
					case ec.Err() != nil && ec.ErrHandled():
						fields["error"] = ec.Err().Error()
						l.Debug("message error handled by filter", fields)
					}
					return err
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps message handling in an OpenTelemetry span and makes
// the span context visible to the task through the execution context.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(next Handler) Handler {
			return func(ec *ExecutionContext) error {
				tracer := otel.Tracer("pipewright")
				ctx, span := tracer.Start(ec.Context(), "ProcessMessage")
				defer span.End()
				ec.SetContext(ctx)

				span.SetAttributes(
					attribute.String("message.id", ec.Message.ID),
					attribute.String("message.routing_key", ec.Message.RoutingKey),
					attribute.String("message.correlation_id", ec.Message.CorrelationID),
					attribute.Int("message.delivery_count", ec.Message.DeliveryCount),
				)

				err := next(ec)
				if d := ec.Disposition(); d != nil {
					span.SetAttributes(attribute.String("message.disposition", d.Kind.String()))
				}
				if err != nil {
					span.RecordError(err)
				}
				return err
			}
		},
	}
}

// MetricsMiddleware records per-routing-key Prometheus counters and latency
// histograms, and exposes them over HTTP when a metrics port is configured.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (Middleware, error) {
			if s.Conf != nil && !s.Conf.MetricsEnabled {
				return nil, nil
			}

			m := s.metrics
			if err := m.Register(); err != nil {
				return nil, err
			}
			if s.Conf != nil && s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", m.HTTPHandler())
			}

			return func(next Handler) Handler {
				return func(ec *ExecutionContext) error {
					start := time.Now()
					err := next(ec)
					m.ObserveMessage(ec.Message.RoutingKey, ec.Disposition(), err, time.Since(start))
					return err
				}
			}, nil
		},
	}
}

// RecovererMiddleware converts panics escaping the handler into errors and
// makes sure a disposition is still settled. It belongs at the innermost
// position, as a last line of defence for panics outside the filter chain's
// own recovery.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(next Handler) Handler {
			return func(ec *ExecutionContext) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = &PanicError{Value: r}
					}
				}()
				return next(ec)
			}
		},
	}
}

// ChainError reports a middleware registration that could not be applied.
type ChainError struct {
	Name string
	Err  error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("pipewright: middleware %q: %v", e.Name, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }
