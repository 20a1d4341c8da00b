// Package ratelimit protects the operator surface with a token bucket per
// caller. With Redis configured the bucket is shared across control-plane
// instances; otherwise an in-process fallback applies per instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// tokenBucketScript refills and consumes atomically server-side.
// KEYS[1] = bucket key
// ARGV[1] = max tokens, ARGV[2] = refill rate per second,
// ARGV[3] = requested, ARGV[4] = now in unix microseconds
// Returns {allowed (0/1), remaining}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
    tokens = max_tokens
    last_refill = now
end

local elapsed = (now - last_refill) / 1000000.0
if elapsed > 0 then
    tokens = math.min(max_tokens, tokens + elapsed * refill_rate)
end

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

redis.call("HMSET", key, "tokens", tostring(tokens), "last_refill", tostring(now))
local ttl = math.ceil(max_tokens / refill_rate * 2)
if ttl < 60 then ttl = 60 end
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens)}
`)

// Config is one bucket shape applied to every caller.
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Result of one admission check.
type Result struct {
	Allowed   bool
	Remaining int
}

// Backend performs the bucket check for a key.
type Backend interface {
	Check(ctx context.Context, key string, cfg Config) (Result, error)
}

// RedisBackend shares buckets across instances.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "usher:rl:"}
}

func (b *RedisBackend) Check(ctx context.Context, key string, cfg Config) (Result, error) {
	res, err := tokenBucketScript.Run(ctx, b.client, []string{b.prefix + key},
		cfg.BurstSize, cfg.RequestsPerSecond, 1, time.Now().UnixMicro(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis rate limit check: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("unexpected rate limit reply length %d", len(res))
	}
	return Result{Allowed: res[0] == 1, Remaining: int(res[1])}, nil
}

// Limiter fronts a backend with the configured bucket shape. A backend error
// fails open: availability beats strictness for a rate limit.
type Limiter struct {
	backend Backend
	cfg     Config
}

func New(backend Backend, cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{backend: backend, cfg: cfg}
}

func (l *Limiter) Allow(ctx context.Context, key string) Result {
	res, err := l.backend.Check(ctx, key, l.cfg)
	if err != nil {
		return Result{Allowed: true, Remaining: l.cfg.BurstSize}
	}
	return res
}
