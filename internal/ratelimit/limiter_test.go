package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	return New(limit, 60*time.Second, WithClock(clock.now)), clock
}

func TestAllowAdmitsUpToLimit(t *testing.T) {
	l, clock := newTestLimiter(6)

	for i := 0; i < 6; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
		clock.advance(time.Second)
	}
	if l.Allow("client-a") {
		t.Fatal("7th request within window should be rejected")
	}
}

func TestAllowIsPerKey(t *testing.T) {
	l, _ := newTestLimiter(1)

	if !l.Allow("client-a") {
		t.Fatal("first request for client-a rejected")
	}
	if l.Allow("client-a") {
		t.Fatal("second request for client-a admitted")
	}
	if !l.Allow("client-b") {
		t.Fatal("client-b should have its own window")
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2)

	if !l.Allow("c") || !l.Allow("c") {
		t.Fatal("initial requests rejected")
	}
	if l.Allow("c") {
		t.Fatal("over-limit request admitted")
	}

	clock.advance(61 * time.Second)
	if !l.Allow("c") {
		t.Fatal("request after window expiry rejected")
	}
}

func TestRejectionIsNotRecorded(t *testing.T) {
	l, clock := newTestLimiter(2)

	l.Allow("c")
	clock.advance(30 * time.Second)
	l.Allow("c")

	// Rejections while full must not extend the window.
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		if l.Allow("c") {
			t.Fatal("request admitted while window full")
		}
	}

	// 31s after the first admission it falls out of the window.
	clock.advance(21 * time.Second)
	if !l.Allow("c") {
		t.Fatal("request rejected after oldest admission expired")
	}
}

func TestSweepEvictsIdleKeys(t *testing.T) {
	l, clock := newTestLimiter(6)

	for i := 0; i < sweepThreshold; i++ {
		l.Allow(fmt.Sprintf("client-%d", i))
	}
	clock.advance(2 * time.Minute)

	// This admission crosses the threshold and triggers a sweep of the
	// now-expired keys.
	l.Allow("fresh-client")
	l.Allow("another-fresh-client")

	l.mu.Lock()
	size := len(l.buckets)
	l.mu.Unlock()
	if size > 2 {
		t.Fatalf("expected idle keys to be evicted, map still holds %d", size)
	}
}
