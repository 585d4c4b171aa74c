package scheduler

import (
	"slices"
	"time"
)

// Snapshot copies the registry. Next is computed from the last evaluated
// second, or from now before the first tick.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Running:  s.running.Load(),
		Timezone: s.loc.String(),
		LastTick: s.lastTick,
		InFlight: s.inflight.Load(),
		Tasks:    make([]TaskInfo, 0, len(s.entries)),

		Executions: s.exec.Snapshot(),
	}
	if s.gen != nil {
		snap.Generator = s.gen.Schedule().String()
	}

	from := s.lastTick
	if from.IsZero() {
		from = s.now().Truncate(time.Second)
	}
	for _, e := range s.entries {
		info := TaskInfo{
			ID:          e.id,
			Description: e.task.Description(),
			Schedule:    e.task.Schedule().String(),
			State:       e.state.String(),
			Remaining:   e.remaining,
			Runs:        e.runs,
			Registered:  e.registered,
		}
		if e.state != StateRetired {
			info.Next = e.task.Schedule().Next(from, s.loc)
		}
		if e.last != nil {
			last := *e.last
			info.Last = &last
		}
		snap.Tasks = append(snap.Tasks, info)
	}
	slices.SortFunc(snap.Tasks, func(a, b TaskInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return snap
}
