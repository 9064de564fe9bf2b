// SPDX-License-Identifier: MIT

package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryBucket is the in-process token-bucket backend. It mirrors the
// arithmetic of the Redis script under a lock, and is used both as the
// standing fallback when Redis is unconfigured and as the per-call escape
// hatch when a durable consume errors mid-operation.
type MemoryBucket struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	limits  BucketLimits
	now     func() time.Time
}

type memBucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// NewMemoryBucket creates an empty in-process bucket set.
func NewMemoryBucket(limits BucketLimits) *MemoryBucket {
	return &MemoryBucket{
		buckets: make(map[string]*memBucket),
		limits:  limits,
		now:     time.Now,
	}
}

// TryConsume refills then consumes for identity:kind. Never errors.
func (b *MemoryBucket) TryConsume(_ context.Context, identity string, kind Kind) (Decision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	capacity := b.limits.capacity(kind)
	refillRate := capacity / 60.0

	key := string(kind) + ":" + identity
	bk, ok := b.buckets[key]
	if !ok {
		bk = &memBucket{tokens: capacity, lastRefill: now}
		b.buckets[key] = bk
	}

	elapsed := now.Sub(bk.lastRefill).Seconds()
	if elapsed > 0 {
		bk.tokens += elapsed * refillRate
		if bk.tokens > capacity {
			bk.tokens = capacity
		}
	}
	bk.lastRefill = now
	bk.lastSeen = now

	if bk.tokens < 1 {
		return Decision{
			Allowed:           false,
			RetryAfterSeconds: retryAfter(bk.tokens, refillRate),
			Reason:            "rate_limited",
		}, nil
	}

	bk.tokens--
	return Decision{Allowed: true}, nil
}

// StartCleanup spawns a goroutine that drops buckets idle longer than
// maxIdle, checking every interval. Returns a stop function.
func (b *MemoryBucket) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.cleanup(maxIdle)
			}
		}
	}()
	return cancel
}

func (b *MemoryBucket) cleanup(maxIdle time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-maxIdle)
	for key, bk := range b.buckets {
		if bk.lastSeen.Before(cutoff) {
			delete(b.buckets, key)
		}
	}
}

// Len returns the number of tracked buckets (for metrics and testing).
func (b *MemoryBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}
