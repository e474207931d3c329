package pipeline

import (
	"context"

	"github.com/dstilson/pipewright/transport"
)

// Scope is the per-message dependency scope. The Service creates one scope
// per in-flight message via the configured ScopeFactory and closes it after
// the disposition has been applied. Task factories and filters type-assert
// the scope to whatever concrete type the application registered.
type Scope interface {
	Close(ctx context.Context) error
}

// ScopeFactory creates a fresh Scope for one message.
type ScopeFactory func(ctx context.Context, msg *transport.Message) (Scope, error)

// NopScope is a Scope with no resources to release.
type NopScope struct{}

func (NopScope) Close(context.Context) error { return nil }

// ExecutionContext carries the state of one in-flight message through the
// middleware chain and down into the filter chain. Exactly one exists per
// message; it is owned by the goroutine processing that message and must not
// be shared across messages. Once a disposition is set, later stages must
// check it before running business logic.
type ExecutionContext struct {
	// RequestID uniquely identifies this processing attempt.
	RequestID string

	// Message is the inbound message. Read-only for pipeline stages.
	Message *transport.Message

	// Scope is the per-message dependency scope.
	Scope Scope

	ctx    context.Context
	cancel context.CancelFunc

	task        Task
	disposition *Disposition
	values      map[string]any
	err         error
	errHandled  bool
}

// NewExecutionContext creates the per-message context. The Service is the
// only intended caller; it is exported for tests that drive the chain
// directly.
func NewExecutionContext(ctx context.Context, requestID string, msg *transport.Message, scope Scope) *ExecutionContext {
	cctx, cancel := context.WithCancel(ctx)
	return &ExecutionContext{
		RequestID: requestID,
		Message:   msg,
		Scope:     scope,
		ctx:       cctx,
		cancel:    cancel,
	}
}

// Context returns the cancellation context for this message.
func (e *ExecutionContext) Context() context.Context { return e.ctx }

// SetContext replaces the message context, e.g. to attach a tracing span.
func (e *ExecutionContext) SetContext(ctx context.Context) { e.ctx = ctx }

// Cancel signals the unit of work and downstream stages to stop.
func (e *ExecutionContext) Cancel() { e.cancel() }

// Task returns the resolved unit of work, or nil before resolution.
func (e *ExecutionContext) Task() Task { return e.task }

func (e *ExecutionContext) setTask(t Task) { e.task = t }

// Disposition returns the outcome decided so far, or nil. Middleware must
// check this before running business logic: a non-nil disposition means the
// pipeline has been short-circuited.
func (e *ExecutionContext) Disposition() *Disposition { return e.disposition }

// SetDisposition records the outcome for this message. Only one writer is
// expected per message; the last write wins and is what the Service applies.
func (e *ExecutionContext) SetDisposition(d Disposition) {
	e.disposition = &d
}

// Set stores a value in the per-message property bag shared by all stages.
func (e *ExecutionContext) Set(key string, value any) {
	if e.values == nil {
		e.values = make(map[string]any)
	}
	e.values[key] = value
}

// Get reads a value from the per-message property bag.
func (e *ExecutionContext) Get(key string) (any, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Err returns the exception captured during chain execution, if any.
func (e *ExecutionContext) Err() error { return e.err }

// ErrHandled reports whether an exception filter claimed the captured error.
func (e *ExecutionContext) ErrHandled() bool { return e.errHandled }

func (e *ExecutionContext) setErr(err error, handled bool) {
	e.err = err
	e.errHandled = handled
}
