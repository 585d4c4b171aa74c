package task

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyTask       = errors.New("task has no steps")
	ErrInvalidRepeat   = errors.New("repeat count must be positive")
	ErrMissingSchedule = errors.New("task has no schedule")
	ErrNilStep         = errors.New("nil step")
	ErrNilFactory      = errors.New("nil generator factory")
	ErrStepFailure     = errors.New("step failed")
	ErrGeneratorFault  = errors.New("generator factory failed")
)

// StepError reports the step that stopped a run.
type StepError struct {
	Index  int
	Name   string
	Reason string
}

func (e *StepError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("step %d (%s) failed: %s", e.Index, e.Name, e.Reason)
	}
	return fmt.Sprintf("step %d failed: %s", e.Index, e.Reason)
}

func (e *StepError) Unwrap() error { return ErrStepFailure }
