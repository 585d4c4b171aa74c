package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sometimes throttles a family of log lines by key.
//
// Each key gets its own limiter allowing one line per interval (burst 1).
// Keys idle for longer than 10 intervals are dropped on the next Allow.
type Sometimes struct {
	every time.Duration

	mu       sync.Mutex
	limiters map[string]*sometimesEntry
	lastGC   time.Time
}

type sometimesEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewSometimes(every time.Duration) *Sometimes {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Sometimes{every: every, limiters: make(map[string]*sometimesEntry)}
}

// Allow reports whether a line for key may be written at now.
func (s *Sometimes) Allow(key string, now time.Time) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := s.limiters[key]
	if ent == nil {
		ent = &sometimesEntry{lim: rate.NewLimiter(rate.Every(s.every), 1)}
		s.limiters[key] = ent
	}
	ent.seen = now
	ok := ent.lim.AllowN(now, 1)

	if now.Sub(s.lastGC) > 10*s.every {
		s.lastGC = now
		for k, e := range s.limiters {
			if now.Sub(e.seen) > 10*s.every {
				delete(s.limiters, k)
			}
		}
	}
	return ok
}
