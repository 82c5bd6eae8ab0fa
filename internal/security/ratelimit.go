package security

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter admits or refuses one event for a key.
type Limiter interface {
	Check(ctx context.Context, key string) error
}

// RateLimitExceeded is returned when a key already has Limit events inside
// the trailing Window.
type RateLimitExceeded struct {
	Key    string
	Limit  int
	Window time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit=%d per %s", e.Key, e.Limit, e.Window)
}

// RateLimiter is an in-process sliding-window limiter.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewRateLimiter returns a limiter admitting limit events per window per key.
// time.Now carries a monotonic reading, so wall-clock adjustments do not
// move the window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		events: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source. Tests only.
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

func (l *RateLimiter) Limit() int { return l.limit }

func (l *RateLimiter) Window() time.Duration { return l.window }

func (l *RateLimiter) Check(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	events := l.events[key]

	// Entries are appended in order, so the first kept index bounds the prune.
	keep := 0
	for keep < len(events) && now.Sub(events[keep]) > l.window {
		keep++
	}
	events = events[keep:]

	if len(events) >= l.limit {
		l.events[key] = events
		return &RateLimitExceeded{Key: key, Limit: l.limit, Window: l.window}
	}

	l.events[key] = append(events, now)
	return nil
}
