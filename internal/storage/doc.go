// Package storage keeps an append-only history of task runs.
//
// It is a record of what happened, not a job store: nothing here is read
// back to rebuild tasks after a restart.
//
// Drivers:
//   - "file": JSON lines, compacted to the newest HistoryLimit records
//   - "sqlite": a single table in a pure-Go SQLite database
package storage
