// Package scheduler runs registered tasks when their schedules match.
//
// A single loop goroutine wakes on every wall-clock second, evaluates the
// generator and then every registered task against that second, and
// dispatches matching tasks into their own goroutines. Results come back to
// the loop over a channel; only the loop changes run state (idle, running,
// retired), repeat budgets and last-run records.
//
// A task that is still running when its schedule matches again is skipped
// for that second and reported once (log, event, metric). Nothing queues.
package scheduler
