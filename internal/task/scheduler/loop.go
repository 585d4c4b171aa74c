package scheduler

import (
	"context"
	"slices"
	"time"

	"tasklet/internal/eventbus"
	"tasklet/internal/task"
	logx "tasklet/pkg/logx"
)

// advance evaluates every second up to now that has not been evaluated
// yet, oldest first, going back at most MaxCatchUp.
func (s *Scheduler) advance(now time.Time) {
	sec := now.Truncate(time.Second)

	s.mu.Lock()
	last := s.lastTick
	s.mu.Unlock()

	from := sec
	if !last.IsZero() {
		if !sec.After(last) {
			return
		}
		from = last.Add(time.Second)
		if oldest := sec.Add(-s.cfg.MaxCatchUp); from.Before(oldest) {
			s.log.Warn("loop stalled; dropping missed seconds",
				logx.Time("from", from), logx.Time("to", oldest.Add(-time.Second)),
				logx.Int64("dropped", int64(oldest.Sub(from)/time.Second)))
			from = oldest
		}
	}
	for t := from; !t.After(sec); t = t.Add(time.Second) {
		s.tick(t)
	}
}

// tick evaluates one wall-clock second.
func (s *Scheduler) tick(now time.Time) {
	s.met.Ticks.Inc()
	s.sweep()
	s.generate(now)

	s.mu.Lock()
	s.lastTick = now
	ids := make([]task.ID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var due, skipped []*entry
	for _, id := range ids {
		e := s.entries[id]
		if e.state == StateRetired || !e.task.Schedule().Matches(now, s.loc) {
			continue
		}
		if e.state == StateRunning {
			skipped = append(skipped, e)
			continue
		}
		e.state = StateRunning
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range skipped {
		s.reportOverlap(e.id, e.task, now)
	}
	for _, e := range due {
		s.dispatch(e.id, e.task, now)
	}
}

// generate asks the generator for a task when its schedule matches now.
func (s *Scheduler) generate(now time.Time) {
	s.mu.Lock()
	g := s.gen
	s.mu.Unlock()
	if g == nil || !g.Schedule().Matches(now, s.loc) {
		return
	}

	t, err := g.Generate(now)
	if err != nil {
		s.reportGeneratorFault(now, err)
		return
	}
	if t == nil {
		return
	}
	id := s.register(t, now)
	s.met.GeneratorProduced.Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.GeneratorProduced, Time: now, Data: eventbus.GeneratorEvent{Tick: now, TaskID: uint64(id)}})
	s.log.Debug("generator.produced", logx.Task(uint64(id)), logx.String("description", t.Description()))
}

// dispatch starts one execution. The caller has already marked the entry
// running.
func (s *Scheduler) dispatch(id task.ID, t *task.Task, tick time.Time) {
	s.inflight.Add(1)
	s.met.InFlight.Inc()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	log := s.log.With(logx.Task(uint64(id)))
	log.Debug("task.started", logx.Time("tick", tick))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: tick, Data: eventbus.TaskEvent{
		ID: uint64(id), Description: t.Description(), Tick: tick, Started: time.Now(),
	}})

	ctx := s.stepCtx
	s.exec.Go0("task.run", func(context.Context) {
		rec := t.Execute(ctx, id, tick, log)
		s.persist(rec, log)
		s.handOff(rec, stopped, log)
	})
}

// handOff delivers rec to the loop. Senders hold handoff for the whole
// send so drain can close stopped knowing every delivered record is
// already buffered.
func (s *Scheduler) handOff(rec task.RunRecord, stopped <-chan struct{}, log logx.Logger) {
	s.handoff.Lock()
	defer s.handoff.Unlock()
	select {
	case <-stopped:
		// Run gave up on this execution
		s.inflight.Add(-1)
		s.met.InFlight.Dec()
		log.Warn("run finished after shutdown; result dropped", logx.String("outcome", string(rec.Outcome)))
		return
	default:
	}
	s.results <- rec
}

func (s *Scheduler) persist(rec task.RunRecord, log logx.Logger) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyWrite)
	defer cancel()
	if err := s.store.AppendRun(ctx, rec); err != nil {
		s.met.HistoryErrors.Inc()
		log.Warn("history append failed", logx.Err(err))
	}
}

// complete applies a finished run to the registry.
func (s *Scheduler) complete(rec task.RunRecord) {
	s.inflight.Add(-1)
	s.met.InFlight.Dec()
	s.met.Executions.WithLabelValues(string(rec.Outcome)).Inc()
	s.met.ExecutionDuration.WithLabelValues(string(rec.Outcome)).Observe(rec.Duration().Seconds())
	if rec.Outcome == task.OutcomeFailure {
		s.met.StepFailures.Inc()
	}

	s.mu.Lock()
	e := s.entries[rec.TaskID]
	if e == nil {
		s.mu.Unlock()
		s.log.Debug("result for removed task", logx.Task(uint64(rec.TaskID)))
		return
	}
	e.runs++
	e.last = &rec
	if e.remaining > 0 {
		e.remaining--
	}
	e.state = StateIdle
	if e.remaining == 0 {
		e.state = StateRetired
	}
	remaining := e.remaining
	s.mu.Unlock()

	log := s.log.With(logx.Task(uint64(rec.TaskID)))
	ev := eventbus.TaskEvent{
		ID: uint64(rec.TaskID), Description: rec.Description, Tick: rec.Tick,
		Started: rec.Started, Duration: rec.Duration(), FailedStep: -1, Remaining: remaining,
	}
	if rec.Outcome == task.OutcomeFailure {
		ev.FailedStep = rec.FailedStep
		ev.Reason = rec.Reason
		log.Warn("task.failed", logx.Int("step", rec.FailedStep), logx.String("reason", rec.Reason),
			logx.Duration("took", rec.Duration()), logx.Int("remaining", remaining))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	} else {
		log.Info("task.finished", logx.Duration("took", rec.Duration()), logx.Int("remaining", remaining))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
	}
}

// sweep removes retired entries.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	var retired []*entry
	for id, e := range s.entries {
		if e.state == StateRetired {
			retired = append(retired, e)
			delete(s.entries, id)
		}
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.met.ActiveTasks.Set(float64(n))
	for _, e := range retired {
		s.log.Info("task.retired", logx.Task(uint64(e.id)), logx.Uint64("runs", e.runs))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskRetired, Data: eventbus.TaskEvent{
			ID: uint64(e.id), Description: e.task.Description(), FailedStep: -1,
		}})
	}
}
