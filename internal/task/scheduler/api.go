package scheduler

import (
	"strings"
	"time"

	"tasklet/internal/eventbus"
	"tasklet/internal/task"
	logx "tasklet/pkg/logx"
)

// Register adds t and returns its id. It is safe to call while Run is
// active; the task is considered from the next evaluated second.
func (s *Scheduler) Register(t *task.Task) (task.ID, error) {
	if t == nil {
		return 0, ErrNilTask
	}
	return s.register(t, s.now()), nil
}

func (s *Scheduler) register(t *task.Task, now time.Time) task.ID {
	id := task.ID(s.seq.Add(1))
	e := &entry{id: id, task: t, registered: now, remaining: t.Repeat()}

	s.mu.Lock()
	s.entries[id] = e
	n := len(s.entries)
	s.mu.Unlock()
	s.met.ActiveTasks.Set(float64(n))

	fields := []logx.Field{
		logx.Task(uint64(id)),
		logx.String("description", t.Description()),
		logx.String("schedule", t.Schedule().String()),
		logx.Int("repeat", t.Repeat()),
	}
	if preview := s.previewNextRuns(t, now, 3); preview != "" {
		fields = append(fields, logx.String("next", preview))
	}
	s.log.Info("task.registered", fields...)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskRegistered, Data: eventbus.TaskEvent{
		ID: uint64(id), Description: t.Description(), FailedStep: -1, Remaining: t.Repeat(),
	}})
	return id
}

// Remove drops a task. A run in flight finishes; its result is discarded.
func (s *Scheduler) Remove(id task.ID) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	n := len(s.entries)
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.met.ActiveTasks.Set(float64(n))
	s.log.Info("task.removed", logx.Task(uint64(id)), logx.String("state", e.state.String()))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskRemoved, Data: eventbus.TaskEvent{
		ID: uint64(id), Description: e.task.Description(), FailedStep: -1,
	}})
	return true
}

// SetGenerator installs g, replacing any previous generator. nil clears it.
func (s *Scheduler) SetGenerator(g *task.Generator) {
	s.mu.Lock()
	s.gen = g
	s.mu.Unlock()
	if g == nil {
		s.log.Info("generator cleared")
		return
	}
	s.log.Info("generator set", logx.String("schedule", g.Schedule().String()))
}

// previewNextRuns lists upcoming fire times for debug logging.
func (s *Scheduler) previewNextRuns(t *task.Task, from time.Time, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	var b strings.Builder
	at := from
	for i := 0; i < n; i++ {
		at = t.Schedule().Next(at, s.loc)
		if at.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(at.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
