package scheduler

import (
	"time"

	"tasklet/internal/eventbus"
	"tasklet/internal/task"
	logx "tasklet/pkg/logx"
)

// reportOverlap records a skipped match. The event and metric are always
// emitted; the warning is throttled per task.
func (s *Scheduler) reportOverlap(id task.ID, t *task.Task, now time.Time) {
	s.met.OverlapSkips.Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskOverlapSkipped, Time: now, Data: eventbus.TaskEvent{
		ID: uint64(id), Description: t.Description(), Tick: now, FailedStep: -1,
	}})
	if s.warn.Allow("overlap/"+id.String(), now) {
		s.log.Warn("task.overlap_skipped", logx.Task(uint64(id)), logx.Time("tick", now), logx.Err(ErrOverlapSkip))
	}
}

func (s *Scheduler) reportGeneratorFault(now time.Time, err error) {
	s.met.GeneratorFaults.Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.GeneratorFault, Time: now, Data: eventbus.GeneratorEvent{
		Tick: now, Error: err.Error(),
	}})
	if s.warn.Allow("generator", now) {
		s.log.Error("generator.fault", logx.Time("tick", now), logx.Err(err))
	}
}
