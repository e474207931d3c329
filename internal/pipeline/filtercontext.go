package pipeline

import (
	"github.com/dstilson/pipewright/transport"
)

// Stage contexts are created fresh per filter invocation and discarded
// immediately after. They all expose the message, the per-message scope, the
// resolved task, and the execution context's property bag for inter-stage
// communication.

type stageContext struct {
	ec *ExecutionContext
}

// Message returns the inbound message.
func (c *stageContext) Message() *transport.Message { return c.ec.Message }

// Scope returns the per-message dependency scope.
func (c *stageContext) Scope() Scope { return c.ec.Scope }

// Task returns the resolved unit of work.
func (c *stageContext) Task() Task { return c.ec.Task() }

// RequestID returns the per-message request identifier.
func (c *stageContext) RequestID() string { return c.ec.RequestID }

// Set stores a value in the per-message property bag.
func (c *stageContext) Set(key string, value any) { c.ec.Set(key, value) }

// Get reads a value from the per-message property bag.
func (c *stageContext) Get(key string) (any, bool) { return c.ec.Get(key) }

// shortCircuitContext is the shared shape of the contexts whose stage can
// stop the chain by setting a disposition.
type shortCircuitContext struct {
	stageContext
	disposition *Disposition
}

// SetDisposition short-circuits the chain with the given outcome. No further
// business-logic stages run; only the paired "executed" hooks of stages that
// already ran.
func (c *shortCircuitContext) SetDisposition(d Disposition) {
	c.disposition = &d
}

// Disposition returns the short-circuit outcome set so far, or nil.
func (c *shortCircuitContext) Disposition() *Disposition { return c.disposition }

// AuthorizationContext is passed to authorization filters.
type AuthorizationContext struct {
	shortCircuitContext
}

// ResourceExecutingContext is passed to resource filters on the way in.
type ResourceExecutingContext struct {
	shortCircuitContext
}

// ResourceExecutedContext is passed to resource filters on the way out, in
// reverse order. It observes the final outcome; it cannot override it.
type ResourceExecutedContext struct {
	stageContext

	// Disposition is the outcome the chain settled on.
	Disposition Disposition

	// Canceled is true when a later stage short-circuited before the wrapped
	// work completed normally.
	Canceled bool

	// Err is the error captured inside the wrapper, nil when none or when an
	// exception filter claimed it.
	Err error
}

// ActionExecutingContext is passed to action filters before the unit of work.
type ActionExecutingContext struct {
	shortCircuitContext
}

// ActionExecutedContext is passed to action filters after the unit of work,
// in reverse order.
type ActionExecutedContext struct {
	stageContext

	// Canceled is true when an earlier action filter short-circuited and the
	// unit of work never ran.
	Canceled bool

	// Err is the error returned by the unit of work, if any.
	Err error

	disposition *Disposition
}

// Disposition returns the pending outcome, or nil when the unit of work
// errored.
func (c *ActionExecutedContext) Disposition() *Disposition { return c.disposition }

// SetDisposition replaces the pending outcome. It has no effect while Err is
// set; error recovery belongs to exception filters.
func (c *ActionExecutedContext) SetDisposition(d Disposition) {
	if c.Err != nil {
		return
	}
	c.disposition = &d
}

// ResultExecutingContext is passed to result filters over the in-flight
// disposition before it is applied to the transport.
type ResultExecutingContext struct {
	stageContext

	disposition Disposition
	canceled    bool
}

// Disposition returns the in-flight outcome.
func (c *ResultExecutingContext) Disposition() Disposition { return c.disposition }

// SetDisposition replaces the in-flight outcome.
func (c *ResultExecutingContext) SetDisposition(d Disposition) { c.disposition = d }

// Cancel stops the remaining result-executing filters. The current outcome
// stands.
func (c *ResultExecutingContext) Cancel() { c.canceled = true }

// Canceled reports whether a filter cancelled the remaining result stage.
func (c *ResultExecutingContext) Canceled() bool { return c.canceled }

// ResultExecutedContext is passed to result filters on the way out, informed
// of the final outcome.
type ResultExecutedContext struct {
	stageContext

	// Disposition is the final outcome after all replacements.
	Disposition Disposition

	// Canceled is true when a result filter cancelled the executing stage.
	Canceled bool
}

// ExceptionContext is passed to exception filters when an error propagates
// out of the action/result step inside the resource wrapper.
type ExceptionContext struct {
	stageContext

	// Err is the captured error. Recovered panics arrive as *PanicError.
	Err error

	handled     bool
	disposition *Disposition
}

// MarkHandled claims the error: iteration stops and the error no longer
// propagates to the middleware chain.
func (c *ExceptionContext) MarkHandled() { c.handled = true }

// Handled reports whether this filter claimed the error.
func (c *ExceptionContext) Handled() bool { return c.handled }

// SetDisposition supplies the outcome to use instead of the default Retry.
// Only meaningful together with MarkHandled.
func (c *ExceptionContext) SetDisposition(d Disposition) { c.disposition = &d }
