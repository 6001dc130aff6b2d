// Package ratelimit implements the per-viewer token bucket guarding timeline
// reads.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sonet-app/timeline/internal/clock"
)

// bucket tracks the remaining tokens for one key. Refill is lazy: tokens are
// credited on access based on elapsed time since the last refill.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter admits requests at a sustained rate of rpm per key. Capacity equals
// rpm, so a full minute of idle time buys a burst of the same size.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rpm     int
	clk     clock.Clock
}

// New creates a limiter with the given default requests-per-minute budget.
func New(rpm int, clk clock.Clock) *Limiter {
	if rpm <= 0 {
		rpm = 600
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rpm:     rpm,
		clk:     clk,
	}
}

// Allow deducts one token for key and reports whether the request is
// admitted. overrideRPM, when positive, replaces the budget for this call
// only; the stored default is untouched. New buckets start full.
func (l *Limiter) Allow(key string, overrideRPM int) bool {
	rpm := l.rpm
	if overrideRPM > 0 {
		rpm = overrideRPM
	}
	capacity := float64(rpm)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * capacity / 60.0
			b.lastRefill = now
		}
		// Clamp to the effective capacity so a one-off override cannot
		// leave an inflated balance behind.
		if b.tokens > capacity {
			b.tokens = capacity
		}
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Reset drops the bucket for key. Used by tests and admin tooling.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
