// Package ratelimit implements keyed token buckets.
//
// Each key owns a bucket that starts full and refills continuously at the
// requested rate, capped at its capacity. Buckets are created on first use and
// live until Prune drops them.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	lim      *rate.Limiter
	perSec   float64
	capacity int
	lastSeen time.Time
}

// Limiter holds one bucket per key. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock sets the time source used to refill buckets.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(opts ...Option) *Limiter {
	l := &Limiter{buckets: make(map[string]*bucket), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow consumes one token from key's bucket and reports whether one was
// available. A bucket seen for the first time starts with capacity tokens.
// If perSec or capacity differ from the bucket's previous parameters, the new
// values apply from now on without resetting the current token count.
//
// capacity <= 0 denies every request; perSec <= 0 never refills.
func (l *Limiter) Allow(key string, perSec float64, capacity int) bool {
	if capacity <= 0 {
		return false
	}
	if perSec < 0 {
		perSec = 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			lim:      rate.NewLimiter(rate.Limit(perSec), capacity),
			perSec:   perSec,
			capacity: capacity,
		}
		l.buckets[key] = b
	} else {
		if b.perSec != perSec {
			b.lim.SetLimitAt(now, rate.Limit(perSec))
			b.perSec = perSec
		}
		if b.capacity != capacity {
			b.lim.SetBurstAt(now, capacity)
			b.capacity = capacity
		}
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// Prune drops buckets not used within idle and returns how many were removed.
// A dropped key starts full on its next use.
func (l *Limiter) Prune(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
