package schedule

import "time"

var monthDays = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// Next returns the first matching instant strictly after after, in loc.
// It returns the zero time when nothing matches before the end of year 9999.
func (s *Schedule) Next(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	if !s.feasible() {
		return time.Time{}
	}

	t := after.In(loc).Truncate(time.Second).Add(time.Second)
	yb := fieldBounds[Year]

	for t.Year() <= yb.max {
		if !s.fields[Year].has(t.Year()) {
			y, ok := s.fields[Year].ceil(t.Year()+1, yb)
			if !ok {
				return time.Time{}
			}
			t = time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.fields[Month].has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !s.fields[DayOfMonth].has(t.Day()) || !s.fields[DayOfWeek].has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		// hour/minute/second advance by absolute durations so DST folds never move t backwards
		if !s.fields[Hour].has(t.Hour()) {
			t = t.Add(time.Duration(60-t.Minute())*time.Minute - time.Duration(t.Second())*time.Second)
			continue
		}
		if !s.fields[Minute].has(t.Minute()) {
			t = t.Add(time.Duration(60-t.Second()) * time.Second)
			continue
		}
		if !s.fields[Second].has(t.Second()) {
			t = t.Add(time.Second)
			continue
		}
		return t
	}
	return time.Time{}
}

// feasible rejects day-of-month sets that no selected month can reach.
func (s *Schedule) feasible() bool {
	dom := s.fields[DayOfMonth]
	if dom.any {
		return true
	}
	longest := 0
	for m := 1; m <= 12; m++ {
		if s.fields[Month].has(m) && monthDays[m] > longest {
			longest = monthDays[m]
		}
	}
	return dom.values[0] <= longest
}
