package task

import (
	"strconv"

	"tasklet/internal/task/schedule"
)

// ID is assigned by the scheduler when a task is registered.
type ID uint64

func (id ID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Forever is the repeat budget of a task that never retires.
const Forever = -1

// Task is immutable once built.
type Task struct {
	description string
	schedule    *schedule.Schedule
	steps       []namedStep
	repeat      int
}

func (t *Task) Description() string          { return t.description }
func (t *Task) Schedule() *schedule.Schedule { return t.schedule }
func (t *Task) StepCount() int               { return len(t.steps) }

// Repeat returns the configured budget, or Forever.
func (t *Task) Repeat() int { return t.repeat }

// Bounded reports whether the task retires after a finite number of runs.
func (t *Task) Bounded() bool { return t.repeat != Forever }
