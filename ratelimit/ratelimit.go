// Package ratelimit provides a sliding window limiter for client-side
// throttling, such as token refreshes and typing indicators.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most Limit events per key within any Window.
type Limiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// New creates a new limiter.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// prune drops events that left the window. Must be called with mu held.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	windowStart := now.Add(-l.window)
	times := l.events[key]
	i := 0
	for i < len(times) && !times[i].After(windowStart) {
		i++
	}
	times = times[i:]
	if len(times) == 0 {
		delete(l.events, key)
		return nil
	}
	l.events[key] = times
	return times
}

// Allow records an event for key and reports whether it fits the window.
// Denied events are not recorded.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	times := l.prune(key, now)
	if len(times) >= l.limit {
		return false
	}
	l.events[key] = append(times, now)
	return true
}

// RetryAfter returns how long until Allow(key) would succeed; 0 if it would now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	times := l.prune(key, now)
	if len(times) < l.limit {
		return 0
	}
	// The oldest event in the window must expire first.
	return times[len(times)-l.limit].Add(l.window).Sub(now)
}

// Remaining returns the number of events still allowed for key.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.limit - len(l.prune(key, l.now()))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the history for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}
