package config

// Config is the on-disk configuration. YAML and JSON are both accepted;
// unknown keys are rejected.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Ops       OpsConfig        `json:"ops,omitempty"`
	Jobs      []JobConfig      `json:"jobs,omitempty"`
	Generator *GeneratorConfig `json:"generator,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the scheduler loop.
//
// Defaults (when fields are omitted/zero):
//   - timezone: Local
//   - shutdown_grace: "30s"
//   - max_catch_up: "5s"
type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	MaxCatchUp    string `json:"max_catch_up,omitempty"`
}

// StorageConfig controls the optional run history.
//
// Example:
//
//	storage:
//	  driver: sqlite
//	  path: ./tasklet.db
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	HistoryLimit int    `json:"history_limit,omitempty"`
}

// OpsConfig controls the diagnostics HTTP server (/metrics, /healthz,
// /debug/pprof/, /debug/tasks).
//
// Binding to a non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JobConfig declares a task made of shell steps.
//
// Schedule accepts the seven-field form ("0 */5 * * * * *"), classic
// crontab ("*/5 * * * *") or a descriptor ("@hourly").
// Repeat 0 means forever.
type JobConfig struct {
	Name     string       `json:"name"`
	Schedule string       `json:"schedule"`
	Repeat   int          `json:"repeat,omitempty"`
	Steps    []StepConfig `json:"steps"`
}

type StepConfig struct {
	Name    string            `json:"name,omitempty"`
	Run     string            `json:"run"`
	Timeout string            `json:"timeout,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// GeneratorConfig produces a copy of Job whenever Schedule matches. With
// EveryOther set, only every second match produces a task.
type GeneratorConfig struct {
	Schedule   string    `json:"schedule"`
	EveryOther bool      `json:"every_other,omitempty"`
	Job        JobConfig `json:"job"`
}
