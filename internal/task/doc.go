// Package task defines the unit of work the scheduler runs.
//
// A Task is an ordered list of Steps plus a Schedule and a repeat budget.
// Tasks are immutable once built; per-run state lives with the scheduler.
// A Generator pairs a Schedule with a factory that may produce a new Task
// each time the schedule matches.
package task
