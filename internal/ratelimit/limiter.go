package ratelimit

import (
	"sync"
	"time"
)

// sweepThreshold is the bucket-map size past which Allow opportunistically
// drops keys whose entire window has expired, so the map does not grow
// without bound with the number of distinct clients.
const sweepThreshold = 1024

// Limiter is a sliding-window counter keyed by client. Within any trailing
// window at most limit requests are admitted; there is no smoothing and no
// token refill.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

type Option func(*Limiter)

// WithClock substitutes the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow reports whether a request from key may proceed now. A rejected
// request is not recorded and does not extend the client's window.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := pruneBefore(l.buckets[key], cutoff)
	if len(recent) >= l.limit {
		l.buckets[key] = recent
		return false
	}

	l.buckets[key] = append(recent, now)
	if len(l.buckets) > sweepThreshold {
		l.sweep(cutoff)
	}
	return true
}

// sweep removes keys with no admission inside the current window. Caller
// holds the mutex.
func (l *Limiter) sweep(cutoff time.Time) {
	for key, stamps := range l.buckets {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	// Stamps are appended in order, so the survivors are a suffix.
	idx := 0
	for idx < len(stamps) && stamps[idx].Before(cutoff) {
		idx++
	}
	return stamps[idx:]
}
