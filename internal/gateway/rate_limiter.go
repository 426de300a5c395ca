package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/medrex/dlt-keyx/pkg/retry"
)

// RateLimiter is a per-identity token bucket
type RateLimiter struct {
	buckets    map[string]*tokenBucket
	bucketsMux sync.Mutex
	limit      int
	period     time.Duration
	clock      retry.Clock
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows limit requests per period for every key. A nil clock
// uses wall time.
func NewRateLimiter(limit int, period time.Duration, clock retry.Clock) *RateLimiter {
	if clock == nil {
		clock = retry.RealClock{}
	}
	return &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		limit:   limit,
		period:  period,
		clock:   clock,
	}
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(key string) bool {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	now := rl.clock.Now()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: rl.limit, lastRefill: now}
		rl.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill)
	if elapsed >= rl.period {
		bucket.tokens = rl.limit
		bucket.lastRefill = now
	} else if add := int(elapsed.Nanoseconds() * int64(rl.limit) / rl.period.Nanoseconds()); add > 0 {
		bucket.tokens = min(bucket.tokens+add, rl.limit)
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// Remaining returns the tokens left for key without taking one
func (rl *RateLimiter) Remaining(key string) int {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()
	if bucket, ok := rl.buckets[key]; ok {
		return bucket.tokens
	}
	return rl.limit
}

// cleanup drops buckets idle for longer than maxIdle
func (rl *RateLimiter) cleanup(maxIdle time.Duration) int {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	cutoff := rl.clock.Now().Add(-maxIdle)
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// RunCleanup drops idle buckets every interval until ctx is done
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup(24 * time.Hour)
		}
	}
}
