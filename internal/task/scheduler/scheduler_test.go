package scheduler

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tasklet/internal/eventbus"
	"tasklet/internal/storage"
	"tasklet/internal/task"
	logx "tasklet/pkg/logx"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sec(n int) time.Time { return t0.Add(time.Duration(n) * time.Second) }

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) (*Scheduler, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1024)
	t.Cleanup(unsub)
	opts = append([]Option{WithLocation(time.UTC), WithClock(func() time.Time { return t0 })}, opts...)
	return New(cfg, logx.Nop(), bus, opts...), ch
}

// awaitResult feeds one finished run back into the loop.
func awaitResult(t *testing.T, s *Scheduler) task.RunRecord {
	t.Helper()
	select {
	case rec := <-s.results:
		s.complete(rec)
		return rec
	case <-time.After(3 * time.Second):
		t.Fatalf("no run result within 3s")
		return task.RunRecord{}
	}
}

func drainEvents(ch <-chan eventbus.Event) map[string]int {
	counts := map[string]int{}
	for {
		select {
		case e := <-ch:
			counts[e.Type]++
		default:
			return counts
		}
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event within 5s", typ)
			return eventbus.Event{}
		}
	}
}

func counterStep(n *atomic.Int32, err error) func(context.Context) error {
	return func(context.Context) error {
		n.Add(1)
		return err
	}
}

func mustBuild(t *testing.T, b *task.Builder) *task.Task {
	t.Helper()
	tk, err := b.Build()
	if err != nil {
		t.Fatalf("Build(): %v", err)
	}
	return tk
}

func TestRegisterNil(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})
	if _, err := s.Register(nil); !errors.Is(err, ErrNilTask) {
		t.Fatalf("Register(nil) err = %v, want ErrNilTask", err)
	}
}

func TestRepeatTwiceThenRetire(t *testing.T) {
	t.Parallel()

	s, events := newTestScheduler(t, Config{})
	var s1, s2 atomic.Int32
	id, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").Repeat(2).
		AddStepFunc(counterStep(&s1, nil)).AddStepFunc(counterStep(&s2, nil))))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 2; i++ {
		s.tick(sec(i))
		rec := awaitResult(t, s)
		if rec.Outcome != task.OutcomeSuccess || len(rec.Steps) != 2 {
			t.Fatalf("run %d = %+v, want success with 2 steps", i, rec)
		}
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].State != "retired" || snap.Tasks[0].Runs != 2 {
		t.Fatalf("snapshot after two runs = %+v, want one retired task with 2 runs", snap.Tasks)
	}

	s.tick(sec(2))
	if got := len(s.Snapshot().Tasks); got != 0 {
		t.Fatalf("tasks after bookkeeping = %d, want 0", got)
	}
	if got := s.inflight.Load(); got != 0 {
		t.Fatalf("in flight = %d, want 0", got)
	}
	if s1.Load() != 2 || s2.Load() != 2 {
		t.Fatalf("step runs = %d/%d, want 2/2", s1.Load(), s2.Load())
	}

	counts := drainEvents(events)
	if counts[eventbus.TaskStarted] != 2 || counts[eventbus.TaskFinished] != 2 || counts[eventbus.TaskRetired] != 1 {
		t.Fatalf("events = %v", counts)
	}
	if s.Remove(id) {
		t.Fatalf("Remove(retired) = true, want false")
	}
}

func TestRunLogLinesHaveNoDuplicateKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	bus := eventbus.New()
	s := New(Config{}, logx.NewWriter(&buf, "debug"), bus,
		WithLocation(time.UTC), WithClock(func() time.Time { return t0 }))
	if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").Repeat(1).
		AddStepFunc(func(context.Context) error { return nil }).
		AddNamedStep("upload", task.StepFunc(func(context.Context) error { return errors.New("disk full") })))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.tick(sec(0))
	awaitResult(t, s)

	var sawStep bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if n := strings.Count(line, `"comp":`); n != 1 {
			t.Fatalf("comp keys = %d, want 1 in %s", n, line)
		}
		if n := strings.Count(line, `"task":`); n > 1 {
			t.Fatalf("task keys = %d, want at most 1 in %s", n, line)
		}
		if strings.Contains(line, `"step.failed"`) {
			sawStep = true
			if !strings.Contains(line, `"task":1`) || !strings.Contains(line, `"step":1`) {
				t.Fatalf("step.failed line = %s, want task 1 and step 1", line)
			}
		}
	}
	if !sawStep {
		t.Fatalf("no step.failed line in %s", buf.String())
	}
}

func TestFailingStepStillConsumesBudget(t *testing.T) {
	t.Parallel()

	s, events := newTestScheduler(t, Config{})
	var s1, s2 atomic.Int32
	if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").Repeat(3).
		AddStepFunc(counterStep(&s1, nil)).AddStepFunc(counterStep(&s2, errors.New("bad exit"))))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for i := 0; i < 3; i++ {
		s.tick(sec(i))
		rec := awaitResult(t, s)
		if rec.Outcome != task.OutcomeFailure || rec.FailedStep != 1 || rec.Reason != "bad exit" {
			t.Fatalf("run %d = %+v, want failure at step 1", i, rec)
		}
		want := 2 - i
		snap := s.Snapshot()
		if snap.Tasks[0].Remaining != want {
			t.Fatalf("remaining after run %d = %d, want %d", i, snap.Tasks[0].Remaining, want)
		}
		if snap.Tasks[0].Last == nil || snap.Tasks[0].Last.FailedStep != 1 {
			t.Fatalf("last record = %+v", snap.Tasks[0].Last)
		}
	}
	s.tick(sec(3))
	if got := len(s.Snapshot().Tasks); got != 0 {
		t.Fatalf("tasks after retirement = %d, want 0", got)
	}
	if s1.Load() != 3 || s2.Load() != 3 {
		t.Fatalf("step runs = %d/%d, want 3/3", s1.Load(), s2.Load())
	}
	if got := testutil.ToFloat64(s.met.Executions.WithLabelValues("failure")); got != 3 {
		t.Fatalf("failure executions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.met.StepFailures); got != 3 {
		t.Fatalf("step failures = %v, want 3", got)
	}
	counts := drainEvents(events)
	if counts[eventbus.TaskFailed] != 3 || counts[eventbus.TaskRetired] != 1 {
		t.Fatalf("events = %v", counts)
	}
}

func TestMatchingTasksRunConcurrently(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})
	release := make(chan struct{})
	started := make(chan task.ID, 2)
	block := func(ctx context.Context) error {
		id, _ := task.IDFromContext(ctx)
		started <- id
		<-release
		return nil
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").AddStepFunc(block))); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	begin := time.Now()
	s.tick(t0)
	if took := time.Since(begin); took > 500*time.Millisecond {
		t.Fatalf("tick blocked for %v", took)
	}

	seen := map[task.ID]bool{}
	for len(seen) < 2 {
		select {
		case id := <-started:
			seen[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of 2 tasks started while both were blocked", len(seen))
		}
	}
	if got := s.Snapshot().InFlight; got != 2 {
		t.Fatalf("in flight = %d, want 2", got)
	}
	close(release)
	awaitResult(t, s)
	awaitResult(t, s)
}

func TestOverlapSkipsOnce(t *testing.T) {
	t.Parallel()

	s, events := newTestScheduler(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").AddStepFunc(func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.tick(sec(0))
	<-started
	drainEvents(events)

	s.tick(sec(1))
	counts := drainEvents(events)
	if counts[eventbus.TaskOverlapSkipped] != 1 || counts[eventbus.TaskStarted] != 0 {
		t.Fatalf("events on overlapping tick = %v, want exactly one overlap skip", counts)
	}
	if got := testutil.ToFloat64(s.met.OverlapSkips); got != 1 {
		t.Fatalf("overlap metric = %v, want 1", got)
	}
	if st := s.Snapshot().Tasks[0].State; st != "running" {
		t.Fatalf("state = %s, want running", st)
	}

	close(release)
	awaitResult(t, s)

	s.tick(sec(2))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("task not re-dispatched after its run finished")
	}
	awaitResult(t, s)
}

func TestGeneratorAlternates(t *testing.T) {
	t.Parallel()

	s, events := newTestScheduler(t, Config{})
	var calls atomic.Int32
	gen, err := task.NewGenerator("* * * * * * *", func(now time.Time) (*task.Task, error) {
		if calls.Add(1)%2 == 0 {
			return nil, nil
		}
		return task.NewBuilder().Every("0 0 0 1 1 * 2099").Description("generated").
			AddStepFunc(func(context.Context) error { return nil }).Build()
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	s.SetGenerator(gen)

	for i := 0; i < 6; i++ {
		s.tick(sec(i))
	}

	snap := s.Snapshot()
	if len(snap.Tasks) != 3 {
		t.Fatalf("generated tasks = %d, want 3", len(snap.Tasks))
	}
	ids := map[task.ID]bool{}
	for _, ti := range snap.Tasks {
		if ids[ti.ID] {
			t.Fatalf("duplicate id %d", ti.ID)
		}
		ids[ti.ID] = true
		if ti.Description != "generated" {
			t.Fatalf("description = %q", ti.Description)
		}
	}
	if snap.Generator == "" {
		t.Fatalf("snapshot missing generator")
	}
	counts := drainEvents(events)
	if counts[eventbus.GeneratorProduced] != 3 || counts[eventbus.TaskRegistered] != 3 {
		t.Fatalf("events = %v", counts)
	}
}

func TestGeneratorProducedTaskFiresSameTick(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{})
	var ran atomic.Int32
	gen, err := task.NewGenerator("5 * * * * * *", func(now time.Time) (*task.Task, error) {
		return task.NewBuilder().Every("5 * * * * * *").Repeat(1).AddStepFunc(counterStep(&ran, nil)).Build()
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	s.SetGenerator(gen)

	s.tick(sec(4))
	if got := len(s.Snapshot().Tasks); got != 0 {
		t.Fatalf("tasks before generator match = %d, want 0", got)
	}
	s.tick(sec(5))
	awaitResult(t, s)
	if ran.Load() != 1 {
		t.Fatalf("generated task runs = %d, want 1", ran.Load())
	}
}

func TestGeneratorFaultsAreContained(t *testing.T) {
	t.Parallel()

	s, events := newTestScheduler(t, Config{})
	var calls atomic.Int32
	gen, err := task.NewGenerator("* * * * * * *", func(now time.Time) (*task.Task, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("upstream down")
		}
		panic("factory bug")
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	s.SetGenerator(gen)

	s.tick(sec(0))
	s.tick(sec(1))

	if got := testutil.ToFloat64(s.met.GeneratorFaults); got != 2 {
		t.Fatalf("generator faults = %v, want 2", got)
	}
	if got := len(s.Snapshot().Tasks); got != 0 {
		t.Fatalf("tasks = %d, want 0", got)
	}
	if counts := drainEvents(events); counts[eventbus.GeneratorFault] != 2 {
		t.Fatalf("events = %v", counts)
	}

	s.SetGenerator(nil)
	s.tick(sec(2))
	if calls.Load() != 2 {
		t.Fatalf("factory calls after clearing = %d, want 2", calls.Load())
	}
}

func TestAdvanceEvaluatesEachSecondOnce(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{MaxCatchUp: 5 * time.Second})
	var ran atomic.Int32
	if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").AddStepFunc(counterStep(&ran, nil)))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.advance(t0.Add(100 * time.Millisecond))
	awaitResult(t, s)
	s.advance(t0.Add(900 * time.Millisecond))
	if got := testutil.ToFloat64(s.met.Ticks); got != 1 {
		t.Fatalf("ticks after early wake = %v, want 1", got)
	}

	// late wake: seconds 1 and 2 are caught up, 3 is current
	s.advance(t0.Add(3*time.Second + 10*time.Millisecond))
	if got := testutil.ToFloat64(s.met.Ticks); got != 4 {
		t.Fatalf("ticks after late wake = %v, want 4", got)
	}
	// the run from second 1 is still in flight or just finished; drain whatever was dispatched
	for s.inflight.Load() > 0 {
		awaitResult(t, s)
	}

	// a long stall only replays MaxCatchUp seconds plus the current one
	s.advance(t0.Add(60 * time.Second))
	if got := testutil.ToFloat64(s.met.Ticks); got != 10 {
		t.Fatalf("ticks after stall = %v, want 10", got)
	}
	for s.inflight.Load() > 0 {
		awaitResult(t, s)
	}
	if !s.Snapshot().LastTick.Equal(t0.Add(60 * time.Second)) {
		t.Fatalf("last tick = %v", s.Snapshot().LastTick)
	}
}

func TestRemoveWhileRunning(t *testing.T) {
	t.Parallel()

	s, events := newTestScheduler(t, Config{})
	release := make(chan struct{})
	id, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").AddStepFunc(func(context.Context) error {
		<-release
		return nil
	})))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.tick(t0)
	if !s.Remove(id) {
		t.Fatalf("Remove = false, want true")
	}
	close(release)
	awaitResult(t, s)
	if got := len(s.Snapshot().Tasks); got != 0 {
		t.Fatalf("tasks = %d, want 0", got)
	}
	if counts := drainEvents(events); counts[eventbus.TaskRemoved] != 1 || counts[eventbus.TaskFinished] != 0 {
		t.Fatalf("events = %v", counts)
	}
}

func TestRunsAreWrittenToHistory(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	s, _ := newTestScheduler(t, Config{}, WithStore(st))
	id, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").Repeat(1).
		AddStepFunc(func(context.Context) error { return errors.New("nope") })))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.tick(t0)
	awaitResult(t, s)

	runs, err := st.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID != id || runs[0].Outcome != task.OutcomeFailure || !runs[0].Tick.Equal(t0) {
		t.Fatalf("history = %+v", runs)
	}
}

func TestRunFiresOnWallClock(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), bus)

	var ran atomic.Int32
	if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").Repeat(2).AddStepFunc(counterStep(&ran, nil)))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitEvent(t, events, eventbus.TaskStarted)
	if !s.Running() {
		t.Fatalf("Running() = false during Run")
	}
	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run err = %v, want ErrAlreadyRunning", err)
	}
	waitEvent(t, events, eventbus.TaskRetired)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if s.Running() {
		t.Fatalf("Running() = true after Run returned")
	}
	if ran.Load() != 2 {
		t.Fatalf("runs = %d, want 2", ran.Load())
	}
}

func TestRunDrainsInFlightOnCancel(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), bus)

	release := make(chan struct{})
	var cancelled atomic.Bool
	if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").Repeat(1).AddStepFunc(func(ctx context.Context) error {
		<-release
		cancelled.Store(ctx.Err() != nil)
		return nil
	}))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitEvent(t, events, eventbus.TaskStarted)
	cancel()
	select {
	case <-done:
		t.Fatalf("Run returned while a run was in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after the in-flight run finished")
	}
	if cancelled.Load() {
		t.Fatalf("step context was cancelled by Run's context")
	}
	waitEvent(t, events, eventbus.TaskFinished)
}

func TestRunGiveUpAfterShutdownGrace(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()
	s := New(Config{Timezone: "UTC", ShutdownGrace: 100 * time.Millisecond}, logx.Nop(), bus)

	release := make(chan struct{})
	defer close(release)
	if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").AddStepFunc(func(context.Context) error {
		<-release
		return nil
	}))); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitEvent(t, events, eventbus.TaskStarted)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run ignored ShutdownGrace")
	}
}

func TestDrainAppliesBufferedResultAfterGrace(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		s, events := newTestScheduler(t, Config{ShutdownGrace: time.Nanosecond})
		if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").Repeat(1).
			AddStepFunc(func(context.Context) error { return nil }))); err != nil {
			t.Fatalf("Register: %v", err)
		}
		s.tick(sec(0))
		deadline := time.Now().Add(3 * time.Second)
		for len(s.results) == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("run %d never delivered its result", i)
			}
			time.Sleep(time.Millisecond)
		}

		s.drain()
		if got := s.Snapshot().InFlight; got != 0 {
			t.Fatalf("iteration %d: in flight after drain = %d, want 0", i, got)
		}
		if got := len(s.Snapshot().Tasks); got != 0 {
			t.Fatalf("iteration %d: tasks after drain = %d, want 0 (retired and swept)", i, got)
		}
		if counts := drainEvents(events); counts[eventbus.TaskFinished] != 1 {
			t.Fatalf("iteration %d: events = %v, want one finished", i, counts)
		}
	}
}

func TestLateResultAfterDrainIsDropped(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, Config{ShutdownGrace: 10 * time.Millisecond})
	release := make(chan struct{})
	finished := make(chan struct{})
	if _, err := s.Register(mustBuild(t, task.NewBuilder().Every("* * * * * * *").Repeat(1).
		AddStepFunc(func(context.Context) error {
			<-release
			return nil
		}).
		AddStepFunc(func(context.Context) error {
			close(finished)
			return nil
		}))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.tick(sec(0))
	s.drain()
	if got := s.Snapshot().InFlight; got != 1 {
		t.Fatalf("in flight after abandoned drain = %d, want 1", got)
	}

	close(release)
	<-finished
	deadline := time.Now().Add(3 * time.Second)
	for s.Snapshot().InFlight != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("late run never released its in-flight slot")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(s.results); got != 0 {
		t.Fatalf("buffered results = %d, want 0", got)
	}
}

func TestInvalidTimezoneFallsBackToLocal(t *testing.T) {
	t.Parallel()

	s := New(Config{Timezone: "Mars/Olympus_Mons"}, logx.Nop(), nil)
	if s.Location() != time.Local {
		t.Fatalf("Location() = %v, want Local", s.Location())
	}
}
