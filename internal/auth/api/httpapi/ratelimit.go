package httpapi

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter keyed by caller identity. Windows
// reset wholesale when the clock crosses a boundary, which is coarse but
// cheap and good enough for credential endpoints.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	clock  func() time.Time

	windowStart time.Time
	counts      map[string]int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		limit:  limit,
		window: window,
		clock:  time.Now,
		counts: make(map[string]int),
	}
}

// allow records an attempt for key and reports whether it is within the
// current window's budget.
func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit
}
