package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidKey    = errors.New("rate_limiter_key_empty")
	ErrInvalidRate   = errors.New("rate_limiter_rate_invalid")
	ErrBadResponse   = errors.New("rate_limiter_bad_response")
)

// Buckets hold millitokens so refill stays integral. Redis TIME is the
// clock so every replica agrees on refill. Returns {allowed, millitokens
// left, milliseconds until one token is available}.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2]) * 1000

local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "milli", "at")
local milli = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now
if now > at then
  milli = math.min(capacity, milli + math.floor((now - at) * rate))
end

local allowed, wait = 0, 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
else
  wait = math.ceil((1000 - milli) / rate)
end

redis.call("HSET", KEYS[1], "milli", milli, "at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {allowed, milli, wait}
`

// TokenBucket is a redis-backed limiter shared by every replica.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

// Allow takes one token from key, refilling at rate per second up to burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error) {
	if t == nil || t.client == nil {
		return nil, ErrNotConfigured
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	if rate <= 0 || burst <= 0 {
		return nil, ErrInvalidRate
	}

	ttl := bucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, err
	}
	return parseResult(res, burst)
}

func parseResult(res []any, burst int) (*Result, error) {
	if len(res) != 3 {
		return nil, ErrBadResponse
	}
	return &Result{
		Allowed:    toInt(res[0]) == 1,
		Limit:      burst,
		Remaining:  int(toInt(res[1]) / 1000),
		RetryAfter: time.Duration(toInt(res[2])) * time.Millisecond,
	}, nil
}

// bucketTTL keeps an idle bucket for two full refills.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	return time.Duration(max(1, math.Ceil(2*float64(burst)/rate))) * time.Second
}

func toInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}
