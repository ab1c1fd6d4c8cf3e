package realtime

import (
	"sync"
	"time"
)

// frameLimiter throttles inbound relay frames per connection using a
// sliding window over event timestamps.
type frameLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

func newFrameLimiter(limit int, window time.Duration) *frameLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &frameLimiter{
		stamps: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// allow reports whether a frame arriving at "now" is within the limit,
// recording it when permitted.
func (l *frameLimiter) allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, t := range l.stamps {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	l.stamps = kept

	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}
