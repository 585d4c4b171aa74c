package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tasklet/internal/config"
	"tasklet/internal/ops"
	"tasklet/internal/storage"
	"tasklet/internal/task/scheduler"
	logx "tasklet/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace, scheduler.DefaultShutdownGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	catchUp, err := config.ParseDurationOrDefault("scheduler.max_catch_up", cfg.Scheduler.MaxCatchUp, scheduler.DefaultMaxCatchUp)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		ShutdownGrace: grace,
		MaxCatchUp:    catchUp,
	}, nil
}

// mapStorage reports enabled=false when the section is absent or the
// driver is "none".
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if !storage.ValidDriver(driver) {
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         path,
		BusyTimeout:  busy,
		HistoryLimit: sc.HistoryLimit,
	}, true, nil
}

func mapOps(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          strings.TrimSpace(cfg.Ops.Addr),
		Token:         strings.TrimSpace(cfg.Ops.Token),
		AllowInsecure: cfg.Ops.AllowInsecure,
	}
}

// validate covers what config.Validate cannot check on its own. It is the
// hot-reload validator, so a bad file never reaches the running app.
func validate(_ context.Context, cfg *config.Config) error {
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := buildGenerator(cfg.Generator, logx.Nop()); err != nil {
		return err
	}
	for _, jc := range cfg.Jobs {
		if _, err := buildJob(jc, logx.Nop()); err != nil {
			return fmt.Errorf("job %q: %w", jc.Name, err)
		}
	}
	return nil
}
