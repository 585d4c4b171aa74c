package task

import (
	"context"
	"fmt"

	"tasklet/internal/task/schedule"
)

// Builder assembles a Task. The first error encountered is kept and
// returned by Build; later calls are still accepted but ignored for
// error reporting.
//
//	t, err := task.NewBuilder().
//		Every("0 */5 * * * * *").
//		Description("sync").
//		Repeat(3).
//		AddStepFunc(syncOnce).
//		Build()
type Builder struct {
	t   Task
	err error
}

func NewBuilder() *Builder {
	return &Builder{t: Task{repeat: Forever}}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Every sets the schedule from a seven-field expression.
func (b *Builder) Every(expr string) *Builder {
	s, err := schedule.Parse(expr)
	if err != nil {
		return b.fail(err)
	}
	b.t.schedule = s
	return b
}

// Cron sets the schedule from a classic crontab expression.
func (b *Builder) Cron(expr string) *Builder {
	s, err := schedule.ParseStandard(expr)
	if err != nil {
		return b.fail(err)
	}
	b.t.schedule = s
	return b
}

func (b *Builder) Schedule(s *schedule.Schedule) *Builder {
	if s == nil {
		return b.fail(ErrMissingSchedule)
	}
	b.t.schedule = s
	return b
}

func (b *Builder) Description(text string) *Builder {
	b.t.description = text
	return b
}

// Repeat limits the task to n runs. Failed runs count.
func (b *Builder) Repeat(n int) *Builder {
	if n <= 0 {
		return b.fail(fmt.Errorf("%w: %d", ErrInvalidRepeat, n))
	}
	b.t.repeat = n
	return b
}

// Forever removes the run limit. This is the default.
func (b *Builder) Forever() *Builder {
	b.t.repeat = Forever
	return b
}

func (b *Builder) AddStep(s Step) *Builder {
	return b.AddNamedStep("", s)
}

func (b *Builder) AddStepFunc(fn func(ctx context.Context) error) *Builder {
	if fn == nil {
		return b.fail(fmt.Errorf("%w at index %d", ErrNilStep, len(b.t.steps)))
	}
	return b.AddNamedStep("", StepFunc(fn))
}

// AddNamedStep appends a step whose name shows up in logs and run records.
func (b *Builder) AddNamedStep(name string, s Step) *Builder {
	if s == nil {
		return b.fail(fmt.Errorf("%w at index %d", ErrNilStep, len(b.t.steps)))
	}
	b.t.steps = append(b.t.steps, namedStep{name: name, Step: s})
	return b
}

func (b *Builder) Build() (*Task, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.t.schedule == nil {
		return nil, ErrMissingSchedule
	}
	if len(b.t.steps) == 0 {
		return nil, ErrEmptyTask
	}
	t := b.t
	t.steps = append([]namedStep(nil), b.t.steps...)
	return &t, nil
}
