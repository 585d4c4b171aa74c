package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tasklet/internal/eventbus"
	"tasklet/internal/metrics"
	"tasklet/internal/runtime/supervisor"
	"tasklet/internal/storage"
	"tasklet/internal/task"
	logx "tasklet/pkg/logx"
)

const (
	warnThrottle  = 5 * time.Second
	historyWrite  = 5 * time.Second
	resultsBuffer = 64
)

type Scheduler struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	met   *metrics.Registry
	store storage.Store
	loc   *time.Location
	now   func() time.Time

	seq     atomic.Uint64
	running atomic.Bool

	mu       sync.Mutex
	entries  map[task.ID]*entry
	gen      *task.Generator
	lastTick time.Time
	stopped  chan struct{} // closed when Run returns; abandons late results

	handoff  sync.Mutex
	results  chan task.RunRecord
	inflight atomic.Int64
	stepCtx  context.Context

	exec *supervisor.Supervisor
	warn *logx.Sometimes
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.met = m }
}

// WithStore appends every finished run to st. Write errors are logged.
func WithStore(st storage.Store) Option {
	return func(s *Scheduler) { s.store = st }
}

// WithLocation overrides Config.Timezone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithClock replaces time.Now for the loop.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		now:     time.Now,
		entries: map[task.ID]*entry{},
		stopped: make(chan struct{}),
		results: make(chan task.RunRecord, resultsBuffer),
		stepCtx: context.Background(),
		warn:    logx.NewSometimes(warnThrottle),
	}
	for _, o := range opts {
		o(s)
	}
	if s.met == nil {
		s.met = metrics.NewRegistry(prometheus.NewRegistry())
	}
	if s.loc == nil {
		s.loc = s.loadLocation()
	}
	s.exec = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	return s
}

func (s *Scheduler) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Scheduler) Location() *time.Location { return s.loc }

func (s *Scheduler) Running() bool { return s.running.Load() }

// Run drives the loop until ctx is done. Runs still in flight at that
// point keep going; Run applies their results until they finish or
// ShutdownGrace elapses, then returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	// steps outlive the Run context
	s.stepCtx = context.WithoutCancel(ctx)

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("tasks", n))

	timer := time.NewTimer(untilNextSecond(s.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case rec := <-s.results:
			s.complete(rec)
		case <-timer.C:
			s.advance(s.now())
			timer.Reset(untilNextSecond(s.now()))
		}
	}
}

func untilNextSecond(now time.Time) time.Duration {
	return now.Truncate(time.Second).Add(time.Second).Sub(now)
}

// drain applies results of in-flight runs until none are left or the
// grace period ends.
func (s *Scheduler) drain() {
	start := time.Now()
	s.log.Info("stop requested", logx.Int64("in_flight", s.inflight.Load()))

	if s.inflight.Load() > 0 {
		grace := time.NewTimer(s.cfg.ShutdownGrace)
		defer grace.Stop()
	wait:
		for s.inflight.Load() > 0 {
			select {
			case rec := <-s.results:
				s.complete(rec)
			case <-grace.C:
				s.log.Warn("shutdown grace elapsed; abandoning in-flight runs",
					logx.Int64("in_flight", s.inflight.Load()), logx.Duration("grace", s.cfg.ShutdownGrace))
				break wait
			}
		}
	}

	// Keep applying results while waiting for the handoff lock; a sender
	// may hold it while blocked on a full buffer.
	locked := make(chan struct{})
	go func() {
		s.handoff.Lock()
		close(locked)
	}()
acquire:
	for {
		select {
		case rec := <-s.results:
			s.complete(rec)
		case <-locked:
			break acquire
		}
	}
	s.mu.Lock()
	close(s.stopped)
	s.stopped = make(chan struct{})
	s.mu.Unlock()
	var late []task.RunRecord
buffered:
	for {
		select {
		case rec := <-s.results:
			late = append(late, rec)
		default:
			break buffered
		}
	}
	s.handoff.Unlock()

	for _, rec := range late {
		s.complete(rec)
	}
	s.sweep()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}
