package pipeline

import (
	"fmt"
)

// PanicError wraps a panic recovered while executing the unit of work or a
// filter stage, so it can flow through the exception stage like any error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("pipewright: recovered panic: %v", e.Value)
}

var emptyFilterSet = &FilterSet{}

// runFilterChain executes the five-stage interception sequence around the
// task for one message and produces exactly one disposition.
//
// The returned error is the unclaimed exception, reported alongside the
// fallback Retry disposition so that middleware can observe it; the
// disposition decision and error observability stay separate concerns.
func runFilterChain(ec *ExecutionContext, set *FilterSet, task Task) (Disposition, error) {
	if set == nil {
		set = emptyFilterSet
	}

	// Authorization: first short-circuit wins, nothing else runs.
	for _, e := range set.authorization {
		c := &AuthorizationContext{shortCircuitContext{stageContext: stageContext{ec: ec}}}
		e.filter.OnAuthorization(c)
		if d := c.Disposition(); d != nil {
			return *d, nil
		}
	}

	// Resource executing: track how many ran so the executed hooks unwind
	// exactly that subset in reverse, even on short-circuit.
	ranResource := 0
	var short *Disposition
	for _, e := range set.resource {
		c := &ResourceExecutingContext{shortCircuitContext{stageContext: stageContext{ec: ec}}}
		e.filter.OnResourceExecuting(c)
		ranResource++
		if d := c.Disposition(); d != nil {
			short = d
			break
		}
	}

	var (
		outcome  Disposition
		chainErr error
		canceled bool
	)

	if short != nil {
		outcome = *short
		canceled = true
	} else {
		outcome, chainErr = runActionResult(ec, set, task)
		if chainErr != nil {
			outcome, chainErr = runExceptionStage(ec, set, chainErr)
		}
	}

	for i := ranResource - 1; i >= 0; i-- {
		c := &ResourceExecutedContext{
			stageContext: stageContext{ec: ec},
			Disposition:  outcome,
			Canceled:     canceled,
			Err:          chainErr,
		}
		set.resource[i].filter.OnResourceExecuted(c)
	}

	return outcome, chainErr
}

// runActionResult runs the nested action + unit-of-work + result step.
// Panics inside it surface as *PanicError for the exception stage.
func runActionResult(ec *ExecutionContext, set *FilterSet, task Task) (outcome Disposition, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Disposition{}
			err = &PanicError{Value: r}
		}
	}()

	// Action executing: a short-circuit skips the unit of work but the
	// executed hooks still unwind the subset that ran.
	ranAction := 0
	var short *Disposition
	for _, e := range set.action {
		c := &ActionExecutingContext{shortCircuitContext{stageContext: stageContext{ec: ec}}}
		e.filter.OnActionExecuting(c)
		ranAction++
		if d := c.Disposition(); d != nil {
			short = d
			break
		}
	}

	var (
		pending Disposition
		taskErr error
	)
	skipped := short != nil
	if skipped {
		pending = *short
	} else {
		pending, taskErr = task.Execute(ec.Context(), ec.Message)
		if taskErr == nil && pending.IsZero() {
			pending = Complete()
		}
	}

	for i := ranAction - 1; i >= 0; i-- {
		c := &ActionExecutedContext{
			stageContext: stageContext{ec: ec},
			Canceled:     skipped,
			Err:          taskErr,
		}
		if taskErr == nil {
			d := pending
			c.disposition = &d
		}
		set.action[i].filter.OnActionExecuted(c)
		if taskErr == nil && c.disposition != nil {
			pending = *c.disposition
		}
	}

	if taskErr != nil {
		return Disposition{}, taskErr
	}

	// Result executing: filters may replace the pending disposition; a
	// cancellation stops the remaining executing hooks.
	ranResult := 0
	resultCanceled := false
	for _, e := range set.result {
		c := &ResultExecutingContext{
			stageContext: stageContext{ec: ec},
			disposition:  pending,
		}
		e.filter.OnResultExecuting(c)
		ranResult++
		pending = c.disposition
		if c.canceled {
			resultCanceled = true
			break
		}
	}

	for i := ranResult - 1; i >= 0; i-- {
		c := &ResultExecutedContext{
			stageContext: stageContext{ec: ec},
			Disposition:  pending,
			Canceled:     resultCanceled,
		}
		set.result[i].filter.OnResultExecuted(c)
	}

	return pending, nil
}

// runExceptionStage offers the captured error to the exception filters in
// priority order. The first claimer decides the outcome (default Retry) and
// swallows the error; unclaimed errors fall back to Retry but keep
// propagating so the middleware chain can log them.
func runExceptionStage(ec *ExecutionContext, set *FilterSet, cause error) (Disposition, error) {
	for _, e := range set.exception {
		c := &ExceptionContext{
			stageContext: stageContext{ec: ec},
			Err:          cause,
		}
		e.filter.OnException(c)
		if c.Handled() {
			ec.setErr(cause, true)
			if c.disposition != nil {
				return *c.disposition, nil
			}
			return Retry(), nil
		}
	}

	ec.setErr(cause, false)
	return Retry(), cause
}
