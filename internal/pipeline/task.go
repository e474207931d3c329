package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	errspkg "github.com/dstilson/pipewright/internal/pipeline/errors"
	"github.com/dstilson/pipewright/transport"
)

// Task is the unit of work invoked once per message. It performs the domain
// logic and decides the disposition, or returns an error for the exception
// stage to handle.
type Task interface {
	Execute(ctx context.Context, msg *transport.Message) (Disposition, error)
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context, msg *transport.Message) (Disposition, error)

func (f TaskFunc) Execute(ctx context.Context, msg *transport.Message) (Disposition, error) {
	return f(ctx, msg)
}

// TaskFactory constructs a task instance from the per-message scope. It is
// called once per message; the instance is discarded when the scope closes.
type TaskFactory func(scope Scope) (Task, error)

// StaticTask returns a factory that always hands out the same task instance.
// The instance must be safe for concurrent use.
func StaticTask(t Task) TaskFactory {
	return func(Scope) (Task, error) { return t, nil }
}

// TaskRegistration declares a unit of work: the routing key it handles, how
// to construct it, and the filters attached to it.
type TaskRegistration struct {
	// Key is the routing key, matched case-insensitively.
	Key string

	// Factory constructs the task from the per-message scope.
	Factory TaskFactory

	// Filters is the ordered filter set for this task type. Nil means no
	// filters.
	Filters *FilterSet
}

// TaskNotFoundError reports that no task is registered for a routing key.
type TaskNotFoundError struct {
	Key string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("pipewright: no task registered for routing key %q", e.Key)
}

// DuplicateTaskError reports two registrations claiming the same routing key.
type DuplicateTaskError struct {
	Key string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("pipewright: routing key %q is already registered", e.Key)
}

type taskEntry struct {
	key     string
	factory TaskFactory
	filters *FilterSet
	info    *TaskInfo
}

// taskRegistry maps normalized routing keys to task entries. Populated at
// startup, read-only while the Service is running.
type taskRegistry struct {
	mu      sync.RWMutex
	entries map[string]*taskEntry
	order   []*taskEntry
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{entries: make(map[string]*taskEntry)}
}

func (r *taskRegistry) register(reg TaskRegistration) (*taskEntry, error) {
	if strings.TrimSpace(reg.Key) == "" {
		return nil, errspkg.ErrRoutingKeyRequired
	}
	if reg.Factory == nil {
		return nil, errspkg.ErrTaskRequired
	}

	key := strings.ToLower(reg.Key)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return nil, &DuplicateTaskError{Key: reg.Key}
	}

	entry := &taskEntry{
		key:     reg.Key,
		factory: reg.Factory,
		filters: reg.Filters,
		info:    newTaskInfo(reg.Key),
	}
	r.entries[key] = entry
	r.order = append(r.order, entry)
	return entry, nil
}

func (r *taskRegistry) resolve(routingKey string) (*taskEntry, error) {
	r.mu.RLock()
	entry, ok := r.entries[strings.ToLower(routingKey)]
	r.mu.RUnlock()

	if !ok {
		return nil, &TaskNotFoundError{Key: routingKey}
	}
	return entry, nil
}

func (r *taskRegistry) infos() []*TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*TaskInfo, 0, len(r.order))
	for _, entry := range r.order {
		out = append(out, entry.info)
	}
	return out
}
