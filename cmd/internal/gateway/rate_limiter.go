package gateway

import (
	"sync"
	"time"
)

// rateLimiter is a per-connection sliding-window limiter over inbound events.
type rateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &rateLimiter{
		stamps: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// allow reports whether an event observed at now fits the window budget.
func (l *rateLimiter) allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldest := now.Add(-l.window)

	// Drop expired stamps in place; the slice stays small (<= limit).
	keep := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(oldest) {
			keep = append(keep, ts)
		}
	}
	l.stamps = keep

	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
