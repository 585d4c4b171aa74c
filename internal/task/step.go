package task

import "context"

// Step is one unit of work. A nil error means the step succeeded; the
// error text of a failure becomes the recorded reason.
type Step interface {
	Run(ctx context.Context) error
}

// StepFunc adapts a plain function to Step.
type StepFunc func(ctx context.Context) error

func (f StepFunc) Run(ctx context.Context) error { return f(ctx) }

type namedStep struct {
	name string
	Step
}

type ctxKey int

const (
	ctxKeyTask ctxKey = iota
	ctxKeyStep
)

// IDFromContext returns the id of the task whose step is running.
func IDFromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKeyTask).(ID)
	return id, ok
}

// StepIndexFromContext returns the 0-based index of the running step.
func StepIndexFromContext(ctx context.Context) (int, bool) {
	idx, ok := ctx.Value(ctxKeyStep).(int)
	return idx, ok
}
