package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "cutout:ratelimit"

// takeScript refills the bucket for the time elapsed since the last call and
// then tries to take ARGV[4] tokens. It replies with
// {allowed, remaining, retry_after_ms, reset_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - ts) * capacity / window_ms)

local allowed = 0
local retry_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  retry_ms = math.ceil((cost - tokens) * window_ms / capacity)
end
local reset_ms = math.ceil((capacity - tokens) * window_ms / capacity)

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)

return {allowed, math.floor(tokens), retry_ms, reset_ms}
`)

// Config sizes a bucket: Capacity tokens refill evenly over Window.
type Config struct {
	Capacity  int
	Window    time.Duration
	KeyPrefix string
}

// Decision is the outcome of a single Take call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	// ResetAfter is how long until the bucket is full again.
	ResetAfter time.Duration
}

// RedisTokenBucket is a per-subject token bucket kept in a Redis hash and
// updated atomically by a Lua script, so API replicas share one budget.
// Requests may cost more than one token; a cost above capacity is charged
// as a full bucket.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	windowMS  int64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, cfg Config) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("window must be positive")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(cfg.Capacity),
		windowMS:  max(cfg.Window.Milliseconds(), 1),
		ttl:       2 * cfg.Window,
		keyPrefix: prefix,
		now:       time.Now,
	}, nil
}

func (b *RedisTokenBucket) Capacity() int64 { return b.capacity }

// Allow takes a single token.
func (b *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return b.Take(ctx, subject, 1)
}

// Take charges cost tokens to subject. An empty subject shares the anonymous
// bucket.
func (b *RedisTokenBucket) Take(ctx context.Context, subject string, cost int64) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	cost = min(max(cost, 1), b.capacity)

	reply, err := takeScript.Run(
		ctx,
		b.client,
		[]string{b.keyPrefix + ":" + subject},
		b.capacity,
		b.windowMS,
		b.now().UTC().UnixMilli(),
		cost,
		b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take %d tokens for %q: %w", cost, subject, err)
	}
	if len(reply) != 4 {
		return Decision{}, fmt.Errorf("token bucket replied with %d values", len(reply))
	}

	return Decision{
		Allowed:    reply[0] == 1,
		Limit:      b.capacity,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
		ResetAfter: time.Duration(reply[3]) * time.Millisecond,
	}, nil
}
