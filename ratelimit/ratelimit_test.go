package ratelimit

import (
	"testing"
	"time"
)

// fakeClock drives a limiter deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(limit, window)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	limiter, clock := newTestLimiter(3, 100*time.Millisecond)
	key := "refresh"

	for i := 0; i < 3; i++ {
		if !limiter.Allow(key) {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow(key) {
		t.Error("4th request should be denied")
	}

	clock.advance(110 * time.Millisecond)
	if !limiter.Allow(key) {
		t.Error("request after window should be allowed")
	}
}

func TestLimiter_MultipleKeys(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Second)

	limiter.Allow("a")
	limiter.Allow("a")
	if limiter.Allow("a") {
		t.Error("key a request 3 should be denied")
	}
	if !limiter.Allow("b") {
		t.Error("key b should have its own budget")
	}
}

func TestLimiter_SlidingWindow(t *testing.T) {
	limiter, clock := newTestLimiter(3, 100*time.Millisecond)
	key := "typing"

	limiter.Allow(key)
	clock.advance(40 * time.Millisecond)
	limiter.Allow(key)
	limiter.Allow(key)

	clock.advance(50 * time.Millisecond) // first event at 0ms still in window
	if limiter.Allow(key) {
		t.Error("should still be rate limited")
	}

	clock.advance(20 * time.Millisecond) // first event expired
	if !limiter.Allow(key) {
		t.Error("should be allowed after oldest expires")
	}
}

func TestLimiter_RetryAfter(t *testing.T) {
	limiter, clock := newTestLimiter(2, 100*time.Millisecond)
	key := "refresh"

	if d := limiter.RetryAfter(key); d != 0 {
		t.Errorf("expected 0 with empty history, got %v", d)
	}

	limiter.Allow(key)
	clock.advance(30 * time.Millisecond)
	limiter.Allow(key)

	if d := limiter.RetryAfter(key); d != 70*time.Millisecond {
		t.Errorf("expected 70ms, got %v", d)
	}

	clock.advance(70 * time.Millisecond)
	if d := limiter.RetryAfter(key); d != 0 {
		t.Errorf("expected 0 once the oldest event expired, got %v", d)
	}
}

func TestLimiter_Remaining(t *testing.T) {
	limiter, _ := newTestLimiter(5, time.Second)
	key := "test"

	if r := limiter.Remaining(key); r != 5 {
		t.Errorf("expected 5 remaining, got %d", r)
	}
	limiter.Allow(key)
	limiter.Allow(key)
	if r := limiter.Remaining(key); r != 3 {
		t.Errorf("expected 3 remaining, got %d", r)
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter, _ := newTestLimiter(2, time.Second)
	key := "test"

	limiter.Allow(key)
	limiter.Allow(key)
	if limiter.Allow(key) {
		t.Error("should be rate limited")
	}

	limiter.Reset(key)
	if !limiter.Allow(key) {
		t.Error("should be allowed after reset")
	}
}
