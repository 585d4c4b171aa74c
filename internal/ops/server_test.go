package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tasklet/internal/task"
	"tasklet/internal/task/scheduler"
	logx "tasklet/pkg/logx"
)

type fakeTasks struct{ snap scheduler.Snapshot }

func (f fakeTasks) Snapshot() scheduler.Snapshot { return f.snap }

type fakeRuns struct {
	runs  []task.RunRecord
	err   error
	limit int
}

func (f *fakeRuns) RecentRuns(_ context.Context, limit int) ([]task.RunRecord, error) {
	f.limit = limit
	return f.runs, f.err
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func get(t *testing.T, h http.Handler, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tasklet_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	snap := scheduler.Snapshot{Running: true, Timezone: "UTC", Tasks: []scheduler.TaskInfo{{ID: 7, Description: "backup"}}}
	runs := &fakeRuns{runs: []task.RunRecord{{TaskID: 7, Outcome: task.OutcomeSuccess}}}
	s := New(Config{}, logx.Nop(), WithGatherer(reg), WithTasks(fakeTasks{snap}), WithRuns(runs))
	h := s.Handler("")

	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("/healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec := get(t, h, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tasklet_test_total 1") {
		t.Fatalf("/metrics = %d %q", rec.Code, rec.Body.String())
	}

	rec = get(t, h, "/debug/tasks", "")
	var got scheduler.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode /debug/tasks: %v", err)
	}
	if !got.Running || len(got.Tasks) != 1 || got.Tasks[0].ID != 7 {
		t.Fatalf("/debug/tasks = %+v", got)
	}

	rec = get(t, h, "/debug/runs?limit=5000", "")
	if rec.Code != http.StatusOK || runs.limit != maxRuns {
		t.Fatalf("/debug/runs = %d, limit %d, want 200, %d", rec.Code, runs.limit, maxRuns)
	}
	if rec = get(t, h, "/debug/runs?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("/debug/runs?limit=x = %d, want 400", rec.Code)
	}

	if rec = get(t, h, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("/debug/pprof/ = %d, want 200", rec.Code)
	}
}

func TestHandlerRunsUnavailable(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), WithRuns(&fakeRuns{err: errors.New("disk")}))
	if rec := get(t, s.Handler(""), "/debug/runs", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/debug/runs = %d, want 503", rec.Code)
	}
}

func TestHandlerOptionalRoutesUnmounted(t *testing.T) {
	t.Parallel()

	h := New(Config{}, logx.Nop()).Handler("")
	for _, p := range []string{"/metrics", "/debug/tasks", "/debug/runs"} {
		if rec := get(t, h, p, ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s = %d, want 404", p, rec.Code)
		}
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h := New(Config{}, logx.Nop(), WithTasks(fakeTasks{})).Handler("s3cret")

	cases := []struct {
		name   string
		target string
		bearer string
		want   int
	}{
		{name: "healthz open", target: "/healthz", want: http.StatusOK},
		{name: "missing", target: "/debug/tasks", want: http.StatusUnauthorized},
		{name: "wrong bearer", target: "/debug/tasks", bearer: "nope", want: http.StatusUnauthorized},
		{name: "bearer", target: "/debug/tasks", bearer: "s3cret", want: http.StatusOK},
		{name: "query", target: "/debug/tasks?token=s3cret", want: http.StatusOK},
		{name: "wrong query", target: "/debug/tasks?token=x", bearer: "s3cret", want: http.StatusUnauthorized},
		{name: "pprof", target: "/debug/pprof/", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if rec := get(t, h, tc.target, tc.bearer); rec.Code != tc.want {
				t.Fatalf("GET %s = %d, want %d", tc.target, rec.Code, tc.want)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.0.0.1:9464":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(context.Background()) })

	var addr string
	for addr == "" {
		select {
		case <-ctx.Done():
			t.Fatalf("server never bound")
		case <-time.After(20 * time.Millisecond):
		}
		addr = s.Addr()
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr after disable = %q, want empty", got)
	}
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		t.Fatalf("server still answering after disable")
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	s.Start(ctx)
	defer s.Stop(context.Background())

	for {
		if sup := s.Supervisor(); sup != nil && sup.Err() != nil {
			if !strings.Contains(sup.Err().Error(), "insecure bind") {
				t.Fatalf("err = %v, want insecure bind", sup.Err())
			}
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("no refusal recorded")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
