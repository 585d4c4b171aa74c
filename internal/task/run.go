package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "tasklet/pkg/logx"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// StepResult is the outcome of one executed step.
type StepResult struct {
	Index    int           `json:"index"`
	Name     string        `json:"name,omitempty"`
	OK       bool          `json:"ok"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunRecord describes one end-to-end pass through a task's steps.
// Steps after a failure are not executed and have no entry.
type RunRecord struct {
	TaskID      ID           `json:"task_id"`
	Description string       `json:"description,omitempty"`
	Tick        time.Time    `json:"tick"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished"`
	Outcome     Outcome      `json:"outcome"`
	FailedStep  int          `json:"failed_step"`
	Reason      string       `json:"reason,omitempty"`
	Steps       []StepResult `json:"steps"`
}

func (r RunRecord) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Err returns a *StepError for failed runs and nil otherwise.
func (r RunRecord) Err() error {
	if r.Outcome != OutcomeFailure {
		return nil
	}
	e := &StepError{Index: r.FailedStep, Reason: r.Reason}
	if r.FailedStep >= 0 && r.FailedStep < len(r.Steps) {
		e.Name = r.Steps[r.FailedStep].Name
	}
	return e
}

// Execute runs the steps in order and stops at the first failure.
// A panicking step fails with reason "panic: <value>". log is expected to
// carry the task tag already; step lines only add the step index.
func (t *Task) Execute(ctx context.Context, id ID, tick time.Time, log logx.Logger) RunRecord {
	rec := RunRecord{
		TaskID:      id,
		Description: t.description,
		Tick:        tick,
		Started:     time.Now(),
		Outcome:     OutcomeSuccess,
		FailedStep:  -1,
		Steps:       make([]StepResult, 0, len(t.steps)),
	}
	ctx = context.WithValue(ctx, ctxKeyTask, id)

	for i, st := range t.steps {
		stepLog := log.With(logx.StepIndex(i))
		if st.name != "" {
			stepLog = stepLog.With(logx.String("step_name", st.name))
		}
		stepLog.Debug("step.started")

		began := time.Now()
		err := runStep(context.WithValue(ctx, ctxKeyStep, i), st.Step, stepLog)
		res := StepResult{Index: i, Name: st.name, OK: err == nil, Duration: time.Since(began)}
		if err != nil {
			res.Reason = err.Error()
			rec.Steps = append(rec.Steps, res)
			rec.Outcome = OutcomeFailure
			rec.FailedStep = i
			rec.Reason = res.Reason
			stepLog.Warn("step.failed", logx.String("reason", res.Reason), logx.Duration("took", res.Duration))
			break
		}
		rec.Steps = append(rec.Steps, res)
		stepLog.Debug("step.succeeded", logx.Duration("took", res.Duration))
	}

	rec.Finished = time.Now()
	return rec
}

func runStep(ctx context.Context, s Step, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("step.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Run(ctx)
}
