package app

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tasklet/internal/config"
	"tasklet/internal/task"
	"tasklet/internal/task/schedule"
	"tasklet/internal/task/shellstep"
	logx "tasklet/pkg/logx"
)

// buildJob turns a config job into a task of shell steps. Repeat 0 means
// forever.
func buildJob(jc config.JobConfig, log logx.Logger) (*task.Task, error) {
	s, err := schedule.ParseAny(jc.Schedule)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(jc.Name)
	b := task.NewBuilder().Schedule(s).Description(name)
	if jc.Repeat > 0 {
		b.Repeat(jc.Repeat)
	}

	stepLog := log.With(logx.String("job", name))
	for i, sc := range jc.Steps {
		timeout, err := config.ParseDurationField("steps.timeout", sc.Timeout)
		if err != nil {
			return nil, err
		}
		stepName := strings.TrimSpace(sc.Name)
		if stepName == "" {
			stepName = "step-" + strconv.Itoa(i)
		}
		b.AddNamedStep(stepName, &shellstep.Step{
			Command: sc.Run,
			Timeout: timeout,
			Dir:     sc.Dir,
			Env:     sc.Env,
			Log:     stepLog,
		})
	}
	return b.Build()
}

// buildGenerator returns nil, nil when gc is nil. Generated jobs default to
// a single run. With EveryOther the factory skips every second match,
// starting with the first.
func buildGenerator(gc *config.GeneratorConfig, log logx.Logger) (*task.Generator, error) {
	if gc == nil {
		return nil, nil
	}
	s, err := schedule.ParseAny(gc.Schedule)
	if err != nil {
		return nil, err
	}
	jc := gc.Job
	if jc.Repeat == 0 {
		jc.Repeat = 1
	}
	// fail at load time rather than on every tick
	if _, err := buildJob(jc, log); err != nil {
		return nil, err
	}

	var calls atomic.Uint64
	return task.NewGeneratorWithSchedule(s, func(time.Time) (*task.Task, error) {
		n := calls.Add(1)
		if gc.EveryOther && n%2 == 1 {
			return nil, nil
		}
		return buildJob(jc, log)
	})
}
