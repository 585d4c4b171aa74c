package scheduler

import (
	"errors"
	"time"

	"tasklet/internal/runtime/supervisor"
	"tasklet/internal/task"
)

var (
	ErrNilTask        = errors.New("nil task")
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrOverlapSkip is what an overlap report wraps; the skipped match
	// itself never reaches a caller.
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
)

const (
	DefaultShutdownGrace = 30 * time.Second
	DefaultMaxCatchUp    = 5 * time.Second
)

// Config controls the scheduler loop.
type Config struct {
	Timezone      string        // IANA name; empty means Local
	ShutdownGrace time.Duration // wait for in-flight runs after Run's context ends
	MaxCatchUp    time.Duration // oldest missed second still evaluated after a late wake-up
}

func (c Config) withDefaults() Config {
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.MaxCatchUp < 0 {
		c.MaxCatchUp = 0
	}
	if c.MaxCatchUp == 0 {
		c.MaxCatchUp = DefaultMaxCatchUp
	}
	return c
}

type State int

const (
	StateIdle State = iota
	StateRunning
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// entry is the registry record for one task. Everything except task is
// run state and is only changed by the loop.
type entry struct {
	id         task.ID
	task       *task.Task
	registered time.Time

	state     State
	remaining int // task.Forever when unbounded
	runs      uint64
	last      *task.RunRecord
}

// TaskInfo is a point-in-time copy of one registry entry.
type TaskInfo struct {
	ID          task.ID         `json:"id"`
	Description string          `json:"description,omitempty"`
	Schedule    string          `json:"schedule"`
	State       string          `json:"state"`
	Remaining   int             `json:"remaining"`
	Runs        uint64          `json:"runs"`
	Registered  time.Time       `json:"registered"`
	Next        time.Time       `json:"next,omitzero"`
	Last        *task.RunRecord `json:"last,omitempty"`
}

type Snapshot struct {
	Running    bool                `json:"running"`
	Timezone   string              `json:"timezone"`
	LastTick   time.Time           `json:"last_tick,omitzero"`
	InFlight   int64               `json:"in_flight"`
	Generator  string              `json:"generator,omitempty"`
	Tasks      []TaskInfo          `json:"tasks"`
	Executions supervisor.Snapshot `json:"executions"`
}
