package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter estimates when the next token is available. Zero when allowed.
	RetryAfter time.Duration
}

// Options sizes the bucket.
type Options struct {
	Capacity        int
	RefillPerSecond float64
	// TTL expires idle buckets. Defaults to the time a bucket needs to refill.
	TTL    time.Duration
	Prefix string
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client redis.Scripter
	opts   Options
	now    func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, opts Options) *TokenBucket {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	if opts.RefillPerSecond <= 0 {
		opts.RefillPerSecond = 1
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Duration(float64(opts.Capacity)/opts.RefillPerSecond*float64(time.Second)) + time.Minute
	}
	if opts.Prefix == "" {
		opts.Prefix = "rl:webhook:"
	}
	return &TokenBucket{client: client, opts: opts, now: time.Now}
}

// Allow consumes a single token for key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.opts.Prefix + key},
		b.opts.Capacity, b.opts.RefillPerSecond, now, b.opts.TTL.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	tokens := toFloat(arr[1])

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed {
		missing := math.Max(0, 1-tokens)
		d.RetryAfter = time.Duration(math.Ceil(missing/b.opts.RefillPerSecond*1000)) * time.Millisecond
	}
	return d, nil
}

// Lua numbers come back truncated to integers, so tokens are sent as a string.
func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		var f float64
		if _, err := fmt.Sscan(t, &f); err == nil {
			return f
		}
	}
	return 0
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
