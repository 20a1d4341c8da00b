package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalBackend keeps buckets in process memory. Single-instance deployments
// and tests use it; idle buckets are dropped opportunistically.
type LocalBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{buckets: make(map[string]*localBucket)}
}

func (b *LocalBackend) Check(ctx context.Context, key string, cfg Config) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	bucket, ok := b.buckets[key]
	if !ok {
		bucket = &localBucket{tokens: float64(cfg.BurstSize), lastRefill: now}
		b.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		bucket.tokens += elapsed * cfg.RequestsPerSecond
		if bucket.tokens > float64(cfg.BurstSize) {
			bucket.tokens = float64(cfg.BurstSize)
		}
		bucket.lastRefill = now
	}

	if bucket.tokens < 1 {
		return Result{Allowed: false, Remaining: 0}, nil
	}
	bucket.tokens--

	if len(b.buckets) > 10_000 {
		b.evictStale(now, cfg)
	}
	return Result{Allowed: true, Remaining: int(bucket.tokens)}, nil
}

// evictStale drops buckets idle long enough to have fully refilled.
func (b *LocalBackend) evictStale(now time.Time, cfg Config) {
	full := time.Duration(float64(cfg.BurstSize)/cfg.RequestsPerSecond*2) * time.Second
	for key, bucket := range b.buckets {
		if now.Sub(bucket.lastRefill) > full {
			delete(b.buckets, key)
		}
	}
}
