package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tasklet/internal/config"
	"tasklet/internal/eventbus"
	"tasklet/internal/metrics"
	"tasklet/internal/ops"
	"tasklet/internal/runtime/supervisor"
	"tasklet/internal/storage"
	"tasklet/internal/task"
	"tasklet/internal/task/scheduler"
	logx "tasklet/pkg/logx"
)

// App wires config, logging, history, metrics, the scheduler and the ops
// server into one process.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	met   *metrics.Registry
	sched *scheduler.Scheduler
	ops   *ops.Server
	sd    notifier

	schedCancel context.CancelFunc
	schedDone   chan struct{}
	grace       time.Duration

	// config job name -> scheduler id
	jobsMu sync.Mutex
	jobs   map[string]task.ID
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	return build(cfgm, cfg, logSvc, log, sdNotifier{log: log.With(logx.String("comp", "systemd"))})
}

func build(cfgm *config.Manager, cfg *config.Config, logSvc *logx.Service, root logx.Logger, sd notifier) (*App, error) {
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()
	met := metrics.New()
	if st, ok := bus.(eventbus.Stats); ok {
		met.ObserveEventDrops(st.Dropped)
	}

	var store storage.Store
	if sc, enabled, err := mapStorage(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	scfg, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	opts := []scheduler.Option{scheduler.WithMetrics(met)}
	if store != nil {
		opts = append(opts, scheduler.WithStore(store))
	}
	sched := scheduler.New(scfg, root, bus, opts...)

	opsOpts := []ops.Option{ops.WithGatherer(met.Gatherer()), ops.WithTasks(sched)}
	if store != nil {
		opsOpts = append(opsOpts, ops.WithRuns(store))
	}
	opsSrv := ops.New(mapOps(cfg), root, opsOpts...)

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		met:   met,
		sched: sched,
		ops:   opsSrv,
		sd:    sd,
		grace: scfg.ShutdownGrace,
		jobs:  map[string]task.ID{},
	}, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	cfg := a.cfgm.Get()
	a.syncJobs(nil, cfg)
	if err := a.applyGenerator(cfg); err != nil {
		return err
	}

	// The scheduler gets its own context so Stop can drain it before the
	// rest of the app unwinds.
	schedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.schedCancel = cancel
	a.schedDone = make(chan struct{})
	go func() {
		defer close(a.schedDone)
		if err := a.sched.Run(schedCtx); err != nil {
			a.log.Error("scheduler exited", logx.Err(err))
		}
	}()
	// a fatal app error stops the scheduler too
	a.sup.Go0("scheduler.stop", func(c context.Context) {
		<-c.Done()
		cancel()
	})

	a.ops.Start(a.sup.Context())

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
	)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if every := a.sd.WatchdogInterval(); every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			watchdog(c, a.sd, every, a.sched.Running)
		})
	}
	a.sd.Notify(daemon.SdNotifyReady)

	a.log.Info("app started", logx.Int("jobs", len(cfg.Jobs)), logx.Bool("generator", cfg.Generator != nil))
	return nil
}

// reloadLoop applies published configs. Bursts collapse into the newest.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
	coalesce:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break coalesce
			}
		}

		a.apply(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Notify(daemon.SdNotifyReloading)
	defer a.sd.Notify(daemon.SdNotifyReady)

	for _, s := range sections {
		switch s {
		case "logging":
			if a.logs != nil {
				a.logs.Apply(mapLogging(newCfg))
			}
		case "scheduler", "storage":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "ops":
			a.ops.Reconfigure(ctx, mapOps(newCfg))
		case "jobs":
			a.syncJobs(&jobs, newCfg)
		case "generator":
			if err := a.applyGenerator(newCfg); err != nil {
				a.log.Warn("generator config rejected; keeping previous", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// syncJobs registers config jobs. With a diff it only touches the jobs
// that were added, removed or changed; a changed job restarts with a fresh
// budget.
func (a *App) syncJobs(diff *config.JobChange, cfg *config.Config) {
	byName := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		byName[strings.TrimSpace(jc.Name)] = jc
	}

	var add []string
	if diff == nil {
		for _, jc := range cfg.Jobs {
			add = append(add, strings.TrimSpace(jc.Name))
		}
	} else {
		a.jobsMu.Lock()
		for _, name := range append(append([]string(nil), diff.Removed...), diff.Changed...) {
			if id, ok := a.jobs[name]; ok {
				a.sched.Remove(id)
				delete(a.jobs, name)
			}
		}
		a.jobsMu.Unlock()
		add = append(append(add, diff.Added...), diff.Changed...)
	}

	for _, name := range add {
		t, err := buildJob(byName[name], a.log)
		if err != nil {
			a.log.Warn("job rejected", logx.String("job", name), logx.Err(err))
			continue
		}
		id, err := a.sched.Register(t)
		if err != nil {
			a.log.Warn("job register failed", logx.String("job", name), logx.Err(err))
			continue
		}
		a.jobsMu.Lock()
		a.jobs[name] = id
		a.jobsMu.Unlock()
	}
}

func (a *App) applyGenerator(cfg *config.Config) error {
	g, err := buildGenerator(cfg.Generator, a.log)
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	a.sched.SetGenerator(g)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Notify(daemon.SdNotifyStopping)

	// Runs in flight get the scheduler's grace before anything else stops.
	a.schedCancel()
	a.step(ctx, "scheduler", a.grace+time.Second, func(c context.Context) error {
		select {
		case <-a.schedDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})

	a.sup.Cancel()
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
