package config

import (
	"errors"
	"fmt"
	"strings"

	"tasklet/internal/task/schedule"
	logx "tasklet/pkg/logx"
)

// Validate checks everything that can be checked without opening files or
// sockets. All problems are returned joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	_, err := ParseDurationField("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace)
	add(err)
	_, err = ParseDurationField("scheduler.max_catch_up", cfg.Scheduler.MaxCatchUp)
	add(err)

	if st := cfg.Storage; st != nil {
		_, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
		if st.HistoryLimit < 0 {
			add(errors.New("storage.history_limit must be >= 0"))
		}
	}

	names := map[string]bool{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", path))
		} else if names[name] {
			add(fmt.Errorf("%s.name %q is not unique", path, name))
		}
		names[name] = true
		add(validateJob(path, j))
	}

	if g := cfg.Generator; g != nil {
		if _, err := schedule.ParseAny(g.Schedule); err != nil {
			add(fmt.Errorf("generator.schedule: %w", err))
		}
		add(validateJob("generator.job", g.Job))
	}
	return errors.Join(errs...)
}

func validateJob(path string, j JobConfig) error {
	var errs []error
	if _, err := schedule.ParseAny(j.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
	}
	if j.Repeat < 0 {
		errs = append(errs, fmt.Errorf("%s.repeat must be >= 0 (0 = forever)", path))
	}
	if len(j.Steps) == 0 {
		errs = append(errs, fmt.Errorf("%s.steps: at least one step is required", path))
	}
	for k, st := range j.Steps {
		if strings.TrimSpace(st.Run) == "" {
			errs = append(errs, fmt.Errorf("%s.steps[%d].run is required", path, k))
		}
		if _, err := ParseDurationField(fmt.Sprintf("%s.steps[%d].timeout", path, k), st.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
