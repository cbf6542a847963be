package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter keeps one token bucket per key. Buckets that have been idle for a full
// window are full again and are dropped on the next prune.
type keyedRateLimiter struct {
	every time.Duration
	burst int
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		every:   window,
		burst:   limit,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.pruneIdleLocked(now)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(l.every/time.Duration(l.burst)), l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) pruneIdleLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.every {
			delete(l.buckets, key)
		}
	}
}
