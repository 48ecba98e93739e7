package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token bucket limiter for single-replica
// deployments and tests. Idle entries are evicted so the key map does not
// grow without bound under IP churn
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	limits  map[Class]Limit
	maxIdle time.Duration
	clock   func() time.Time
}

type localBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLocal constructs a LocalLimiter with the default budgets
func NewLocal() *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*localBucket),
		limits:  Limits,
		maxIdle: 10 * time.Minute,
		clock:   time.Now,
	}
}

// Allow consumes one token from the caller's bucket
func (l *LocalLimiter) Allow(_ context.Context, class Class, key string) (bool, time.Duration, error) {
	lim, ok := l.limits[class]
	if !ok {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.evictLocked(now)

	k := string(class) + "|" + key
	b, ok := l.buckets[k]
	if !ok {
		per := rate.Every(lim.Window / time.Duration(lim.PerMinute))
		b = &localBucket{lim: rate.NewLimiter(per, lim.PerMinute)}
		l.buckets[k] = b
	}
	b.seen = now

	if b.lim.AllowN(now, 1) {
		return true, 0, nil
	}

	res := b.lim.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)
	return false, wait, nil
}

func (l *LocalLimiter) evictLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.maxIdle {
			delete(l.buckets, k)
		}
	}
}
