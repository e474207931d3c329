package pipeline

import (
	"sort"

	errspkg "github.com/dstilson/pipewright/internal/pipeline/errors"
)

// Filters are task-specific interceptors. A filter value may implement any
// combination of the five stage interfaces; it participates in every stage it
// implements. Filter instances are attached to a task type at registration
// and shared across concurrent messages, so they must be stateless or guard
// their own state.

// AuthorizationFilter runs before everything else. Setting a disposition on
// the context short-circuits the whole chain.
type AuthorizationFilter interface {
	OnAuthorization(c *AuthorizationContext)
}

// ResourceFilter wraps the remainder of the chain. Executed hooks run in
// reverse order for exactly the filters whose executing hook ran, regardless
// of short-circuits.
type ResourceFilter interface {
	OnResourceExecuting(c *ResourceExecutingContext)
	OnResourceExecuted(c *ResourceExecutedContext)
}

// ActionFilter wraps the unit of work itself.
type ActionFilter interface {
	OnActionExecuting(c *ActionExecutingContext)
	OnActionExecuted(c *ActionExecutedContext)
}

// ResultFilter wraps the disposition before it is applied. Executing hooks
// may replace the disposition or cancel the remaining result filters.
type ResultFilter interface {
	OnResultExecuting(c *ResultExecutingContext)
	OnResultExecuted(c *ResultExecutedContext)
}

// ExceptionFilter inspects errors (including recovered panics) raised inside
// the resource wrapper. The first filter to claim the error stops iteration.
type ExceptionFilter interface {
	OnException(c *ExceptionContext)
}

type filterEntry[F any] struct {
	priority int
	seq      int
	filter   F
}

// FilterSet is the ordered, per-task-type collection of filters, partitioned
// by stage. Built once at registration, immutable afterwards.
type FilterSet struct {
	authorization []filterEntry[AuthorizationFilter]
	resource      []filterEntry[ResourceFilter]
	action        []filterEntry[ActionFilter]
	result        []filterEntry[ResultFilter]
	exception     []filterEntry[ExceptionFilter]
}

// FilterSetBuilder accumulates filter declarations for one task type.
type FilterSetBuilder struct {
	entries []struct {
		priority int
		filter   any
	}
}

// NewFilterSet starts a filter set declaration.
func NewFilterSet() *FilterSetBuilder {
	return &FilterSetBuilder{}
}

// Add declares a filter with a priority. Within a stage, lower priorities run
// first on the way in; equal priorities keep declaration order. The filter
// joins every stage whose interface it implements.
func (b *FilterSetBuilder) Add(priority int, filter any) *FilterSetBuilder {
	b.entries = append(b.entries, struct {
		priority int
		filter   any
	}{priority, filter})
	return b
}

// Build partitions and orders the declared filters. It fails when a declared
// value implements none of the five stage interfaces.
func (b *FilterSetBuilder) Build() (*FilterSet, error) {
	set := &FilterSet{}

	for seq, e := range b.entries {
		matched := false
		if f, ok := e.filter.(AuthorizationFilter); ok {
			set.authorization = append(set.authorization, filterEntry[AuthorizationFilter]{e.priority, seq, f})
			matched = true
		}
		if f, ok := e.filter.(ResourceFilter); ok {
			set.resource = append(set.resource, filterEntry[ResourceFilter]{e.priority, seq, f})
			matched = true
		}
		if f, ok := e.filter.(ActionFilter); ok {
			set.action = append(set.action, filterEntry[ActionFilter]{e.priority, seq, f})
			matched = true
		}
		if f, ok := e.filter.(ResultFilter); ok {
			set.result = append(set.result, filterEntry[ResultFilter]{e.priority, seq, f})
			matched = true
		}
		if f, ok := e.filter.(ExceptionFilter); ok {
			set.exception = append(set.exception, filterEntry[ExceptionFilter]{e.priority, seq, f})
			matched = true
		}
		if !matched {
			return nil, errspkg.ErrFilterRequired
		}
	}

	sortEntries(set.authorization)
	sortEntries(set.resource)
	sortEntries(set.action)
	sortEntries(set.result)
	sortEntries(set.exception)

	return set, nil
}

// MustBuild is Build that panics on error, for static declarations at
// startup.
func (b *FilterSetBuilder) MustBuild() *FilterSet {
	set, err := b.Build()
	if err != nil {
		panic(err)
	}
	return set
}

func sortEntries[F any](entries []filterEntry[F]) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})
}
