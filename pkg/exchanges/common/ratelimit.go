package common

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"doge-trader/pkg/logger"
)

// RateLimitError is returned by SlidingWindowLimiter.Allow when the window is full.
type RateLimitError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("local rate limit: %d requests per %s, retry after %s", e.Limit, e.Window, e.RetryAfter)
}

// SlidingWindowLimiter admits at most limit requests in any trailing window.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	now    func() time.Time

	log  *logger.Entry
	warn rate.Sometimes
}

// NewSlidingWindowLimiter creates a limiter; limit <= 0 disables limiting.
func NewSlidingWindowLimiter(limit int, window time.Duration, log *logger.Entry) *SlidingWindowLimiter {
	if log == nil {
		log = logger.Nop()
	}
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		log:    log,
		warn:   rate.Sometimes{Interval: 10 * time.Second},
	}
}

// WithClock swaps the time source. Used by tests.
func (rl *SlidingWindowLimiter) WithClock(now func() time.Time) *SlidingWindowLimiter {
	rl.mu.Lock()
	rl.now = now
	rl.mu.Unlock()
	return rl
}

// Allow records one request or returns *RateLimitError.
func (rl *SlidingWindowLimiter) Allow() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return nil
	}
	now := rl.now()
	rl.pruneLocked(now)

	if len(rl.stamps) >= rl.limit {
		retry := rl.stamps[0].Add(rl.window).Sub(now)
		rl.warn.Do(func() {
			rl.log.WithFields(logger.Fields{"limit": rl.limit, "window": rl.window.String()}).
				Warn("⚠️ local rate limit reached, rejecting request")
		})
		return &RateLimitError{Limit: rl.limit, Window: rl.window, RetryAfter: retry}
	}

	rl.stamps = append(rl.stamps, now)
	if pct := float64(len(rl.stamps)) / float64(rl.limit) * 100; pct >= 80 {
		rl.warn.Do(func() {
			rl.log.WithField("usage_pct", pct).Warn("rate limit warning")
		})
	}
	return nil
}

// Record counts a request without checking the limit (emergency path).
func (rl *SlidingWindowLimiter) Record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.pruneLocked(now)
	rl.stamps = append(rl.stamps, now)
}

// Usage returns current usage information.
func (rl *SlidingWindowLimiter) Usage() (used int, limit int, percentage float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneLocked(rl.now())
	if rl.limit <= 0 {
		return len(rl.stamps), 0, 0
	}
	return len(rl.stamps), rl.limit, float64(len(rl.stamps)) / float64(rl.limit) * 100
}

// Reconfigure changes the limit and window, keeping recorded requests.
func (rl *SlidingWindowLimiter) Reconfigure(limit int, window time.Duration) {
	rl.mu.Lock()
	rl.limit = limit
	rl.window = window
	rl.mu.Unlock()
}

// pruneLocked drops stamps that left the window. A request exactly one
// window old no longer counts.
func (rl *SlidingWindowLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.stamps) && !rl.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.stamps = append(rl.stamps[:0], rl.stamps[i:]...)
	}
}
