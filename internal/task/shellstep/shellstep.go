// Package shellstep runs shell commands as task steps.
package shellstep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"tasklet/internal/task"
	logx "tasklet/pkg/logx"
)

const (
	Shell = "/bin/sh"

	// maxOutput bounds captured combined output per run.
	maxOutput = 64 << 10
	// waitDelay bounds how long pipes may stay open after the process is
	// killed (grandchildren holding stdout).
	waitDelay = 2 * time.Second
)

var ErrEmptyCommand = errors.New("shellstep: empty command")

// Step runs Command with `/bin/sh -c`. A non-zero exit, a timeout or a
// start failure fail the step.
type Step struct {
	Command string
	Timeout time.Duration // 0 means no limit beyond ctx
	Dir     string
	Env     map[string]string // added on top of the process environment

	Log logx.Logger
}

var _ task.Step = (*Step)(nil)

func (s *Step) Run(ctx context.Context) error {
	cmdline := strings.TrimSpace(s.Command)
	if cmdline == "" {
		return ErrEmptyCommand
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, Shell, "-c", cmdline)
	cmd.Dir = s.Dir
	cmd.WaitDelay = waitDelay
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(s.Env)...)
	}
	out := &capped{max: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	log := s.Log
	if id, ok := task.IDFromContext(ctx); ok {
		idx, _ := task.StepIndexFromContext(ctx)
		log = log.With(logx.Step(uint64(id), idx))
	}

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	if log.Enabled(logx.LevelDebug) {
		log.Debug("shell step output",
			logx.String("cmd", cmdline),
			logx.Duration("took", took),
			logx.Bool("truncated", out.truncated),
			logx.String("output", out.String()),
		)
	}

	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", took.Round(time.Millisecond))
	}
	if tail := lastLine(out.String()); tail != "" {
		return fmt.Errorf("%w: %s", err, tail)
	}
	return err
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	const maxReason = 200
	if len(s) > maxReason {
		cut := maxReason
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return strings.TrimSpace(s)
}

// capped keeps the first max bytes written and drops the rest.
type capped struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capped) String() string { return c.buf.String() }
