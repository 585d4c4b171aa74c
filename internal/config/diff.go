package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasklet/pkg/logx"
)

// JobChange lists config job names by what a reload did to them.
type JobChange struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c JobChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeChange returns the changed top-level sections, safe structured
// attrs for logging (the ops token is never included) and the job diff.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobChange) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.shutdown_grace", newCfg.Scheduler.ShutdownGrace),
			logx.String("scheduler.max_catch_up", newCfg.Scheduler.MaxCatchUp),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Int("storage.history_limit", nS.HistoryLimit),
		)
	}

	oO, nO := oldCfg.Ops, newCfg.Ops
	if oO.Enabled != nO.Enabled ||
		strings.TrimSpace(oO.Addr) != strings.TrimSpace(nO.Addr) ||
		oO.AllowInsecure != nO.AllowInsecure ||
		oO.Token != nO.Token {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(nO.Token) != ""),
		)
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jobs.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(jobs.Added)),
			logx.Int("jobs.removed", len(jobs.Removed)),
			logx.Int("jobs.changed", len(jobs.Changed)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Generator, newCfg.Generator) {
		changed = append(changed, "generator")
		attrs = append(attrs, logx.Bool("generator.enabled", newCfg.Generator != nil))
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

func diffJobs(oldJobs, newJobs []JobConfig) JobChange {
	oldM := make(map[string]JobConfig, len(oldJobs))
	for _, j := range oldJobs {
		oldM[strings.TrimSpace(j.Name)] = j
	}
	newM := make(map[string]JobConfig, len(newJobs))
	for _, j := range newJobs {
		newM[strings.TrimSpace(j.Name)] = j
	}

	var out JobChange
	for name, n := range newM {
		o, ok := oldM[name]
		switch {
		case !ok:
			out.Added = append(out.Added, name)
		case !reflect.DeepEqual(o, n):
			out.Changed = append(out.Changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out.Removed = append(out.Removed, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}
