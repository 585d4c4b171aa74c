// Package ops serves tasklet's diagnostics over HTTP: Prometheus metrics,
// a liveness probe, pprof and JSON views of the scheduler and run history.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "tasklet/internal/runtime/supervisor"
	"tasklet/internal/task"
	"tasklet/internal/task/scheduler"
	logx "tasklet/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:9464"

	defaultRuns  = 50
	maxRuns      = 1000
	readTimeout  = 10 * time.Second
	writeTimeout = 60 * time.Second // pprof profile/trace default to 30s
	idleTimeout  = 2 * time.Minute
)

// Config controls the server.
//
// Binding to a non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// TaskSource is satisfied by *scheduler.Scheduler.
type TaskSource interface {
	Snapshot() scheduler.Snapshot
}

// RunSource is satisfied by storage.Store.
type RunSource interface {
	RecentRuns(ctx context.Context, limit int) ([]task.RunRecord, error)
}

type Option func(*Server)

// WithGatherer serves g on /metrics. Without it /metrics is not mounted.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithTasks(src TaskSource) Option { return func(s *Server) { s.tasks = src } }

func WithRuns(src RunSource) Option { return func(s *Server) { s.runs = src } }

type Server struct {
	log      logx.Logger
	gatherer prometheus.Gatherer
	tasks    TaskSource
	runs     RunSource

	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, log: log.With(logx.String("comp", "ops"))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Addr is the bound listen address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Supervisor exposes the serve loop's stats (nil when stopped).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg, starting, stopping or restarting the listener.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start serves in the background under a restart loop. It is a no-op when
// disabled or already running.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	// optional surface: an error never cancels the app
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("ops.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the listener down and waits for the serve loop, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("ops stop", logx.Err(err))
	}
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	s.log.Info("ops server stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("ops refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errors.New("ops refused to start: insecure bind")
		}
		s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("ops listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(cfg.Token),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	bound := ln.Addr().String()
	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()
	s.log.Info("ops server started", logx.String("addr", bound), logx.Bool("token_set", cfg.Token != ""))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// Handler builds the mux. Every route except /healthz requires token when
// it is non-empty.
func (s *Server) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.Handler) http.Handler { return withAuth(token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		mux.Handle("GET /metrics", auth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.tasks != nil {
		mux.Handle("GET /debug/tasks", auth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, s.tasks.Snapshot())
		})))
	}
	if s.runs != nil {
		mux.Handle("GET /debug/runs", auth(http.HandlerFunc(s.handleRuns)))
	}

	mux.Handle("/debug/pprof/", auth(http.HandlerFunc(hpprof.Index)))
	mux.Handle("/debug/pprof/cmdline", auth(http.HandlerFunc(hpprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", auth(http.HandlerFunc(hpprof.Profile)))
	mux.Handle("/debug/pprof/symbol", auth(http.HandlerFunc(hpprof.Symbol)))
	mux.Handle("/debug/pprof/trace", auth(http.HandlerFunc(hpprof.Trace)))
	return mux
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRuns
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRuns)
	}
	runs, err := s.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.log.Warn("ops: recent runs failed", logx.Err(err))
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	if runs == nil {
		runs = []task.RunRecord{}
	}
	writeJSON(w, runs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
