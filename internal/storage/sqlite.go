package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"tasklet/internal/task"
	logx "tasklet/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	limit int

	inserts    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; runs complete concurrently and would otherwise hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	limit := cfg.historyLimit()
	st := &sqliteStore{db: db, log: log, limit: limit, pruneEvery: uint64(max(limit/10, 1))}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
		log.Debug("sqlite pragma failed", logx.String("pragma", "busy_timeout"), logx.Err(err))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r task.RunRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, description, tick, started, finished, outcome, failed_step, reason, steps)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		int64(r.TaskID), nullStr(r.Description),
		r.Tick.Format(time.RFC3339Nano), r.Started.Format(time.RFC3339Nano), r.Finished.Format(time.RFC3339Nano),
		string(r.Outcome), r.FailedStep, nullStr(r.Reason), string(steps),
	)
	if err != nil {
		return err
	}
	if s.inserts.Add(1)%s.pruneEvery == 0 {
		if err := s.prune(ctx); err != nil {
			s.log.Debug("history prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`, s.limit)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]task.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, description, tick, started, finished, outcome, failed_step, reason, steps
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.RunRecord
	for rows.Next() {
		var (
			r                       task.RunRecord
			id                      int64
			desc, reason            sql.NullString
			tick, started, finished string
			outcome, steps          string
		)
		if err := rows.Scan(&id, &desc, &tick, &started, &finished, &outcome, &r.FailedStep, &reason, &steps); err != nil {
			return nil, err
		}
		r.TaskID = task.ID(id)
		r.Description = desc.String
		r.Reason = reason.String
		r.Outcome = task.Outcome(outcome)
		r.Tick, _ = time.Parse(time.RFC3339Nano, tick)
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		r.Finished, _ = time.Parse(time.RFC3339Nano, finished)
		if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
			s.log.Debug("history steps decode failed", logx.Err(err))
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
