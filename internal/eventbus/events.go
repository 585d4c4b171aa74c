package eventbus

import "time"

// Event types published by the scheduler.
const (
	TaskRegistered     = "task.registered"
	TaskStarted        = "task.started"
	TaskFinished       = "task.finished"
	TaskFailed         = "task.failed"
	TaskOverlapSkipped = "task.overlap_skipped"
	TaskRetired        = "task.retired"
	TaskRemoved        = "task.removed"
	GeneratorProduced  = "generator.produced"
	GeneratorFault     = "generator.fault"
)

// TaskEvent is the payload of every task.* event.
type TaskEvent struct {
	ID          uint64
	Description string
	Tick        time.Time
	Started     time.Time
	Duration    time.Duration

	// Set on task.failed only.
	FailedStep int
	Reason     string

	// Remaining is -1 for unbounded tasks.
	Remaining int
}

// GeneratorEvent is the payload of generator.* events.
type GeneratorEvent struct {
	Tick   time.Time
	TaskID uint64
	Error  string
}
