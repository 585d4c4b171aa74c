package storage

import (
	"context"
	"errors"
	"time"

	"tasklet/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	HistoryLimit int           // records kept; <= 0 means DefaultHistoryLimit
}

const DefaultHistoryLimit = 1000

// Store is the history API used by the scheduler and the ops server.
type Store interface {
	AppendRun(ctx context.Context, r task.RunRecord) error
	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]task.RunRecord, error)
	Close() error
}

func (c Config) historyLimit() int {
	if c.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return c.HistoryLimit
}
