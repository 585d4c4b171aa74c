package task

import (
	"fmt"
	"time"

	"tasklet/internal/task/schedule"
)

// Factory produces a task for the tick at now. Returning (nil, nil) means
// there is nothing to add this time.
type Factory func(now time.Time) (*Task, error)

// Generator injects tasks into a running scheduler whenever its schedule
// matches.
type Generator struct {
	schedule *schedule.Schedule
	factory  Factory
}

// NewGenerator parses a seven-field expression for the generator schedule.
func NewGenerator(expr string, f Factory) (*Generator, error) {
	s, err := schedule.Parse(expr)
	if err != nil {
		return nil, err
	}
	return NewGeneratorWithSchedule(s, f)
}

func NewGeneratorWithSchedule(s *schedule.Schedule, f Factory) (*Generator, error) {
	if s == nil {
		return nil, ErrMissingSchedule
	}
	if f == nil {
		return nil, ErrNilFactory
	}
	return &Generator{schedule: s, factory: f}, nil
}

func (g *Generator) Schedule() *schedule.Schedule { return g.schedule }

// Generate calls the factory. Factory errors and panics are returned
// wrapped in ErrGeneratorFault.
func (g *Generator) Generate(now time.Time) (t *Task, err error) {
	defer func() {
		if r := recover(); r != nil {
			t = nil
			err = fmt.Errorf("%w: panic: %v", ErrGeneratorFault, r)
		}
	}()
	t, err = g.factory(now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneratorFault, err)
	}
	return t, nil
}
