package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// bucketScript refills and deducts atomically. State is a hash of tokens and
// the last refill time in ms; a deny writes nothing.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end
if now > ts then
	tokens = math.min(capacity, tokens + (now - ts) / 1000 * rate)
	ts = now
end

if tokens < cost then
	return {0, tostring(tokens)}
end

tokens = tokens - cost
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
local ttl = math.ceil((capacity - tokens) / rate * 1000)
if ttl < 1000 then
	ttl = 1000
end
redis.call("PEXPIRE", KEYS[1], ttl)
return {1, tostring(tokens)}
`)

// Redis is a Limiter shared across processes.
type Redis struct {
	client   *redis.Client
	prefix   string
	now      func() time.Time
	failOpen bool
	logger   *slog.Logger
}

type RedisOption func(*Redis)

// WithPrefix namespaces bucket keys. Default "entitle:bucket".
func WithPrefix(p string) RedisOption { return func(r *Redis) { r.prefix = p } }

func WithClock(now func() time.Time) RedisOption { return func(r *Redis) { r.now = now } }

// WithFailOpen allows requests when Redis is unreachable.
func WithFailOpen(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.failOpen = true
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "entitle:bucket", now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Allow(ctx context.Context, key string, cost int64, b Bucket) (Result, error) {
	if err := validate(cost, b); err != nil {
		return Result{}, err
	}
	now := r.now()

	res, err := bucketScript.Run(ctx, r.client, []string{r.prefix + ":" + key},
		b.Capacity,
		strconv.FormatFloat(b.RefillRate, 'f', -1, 64),
		now.UnixMilli(),
		cost,
	).Slice()
	if err != nil {
		if r.failOpen {
			r.logger.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			return Result{Allowed: true, Remaining: b.Capacity, ResetAt: now}, nil
		}
		return Result{}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: parse tokens %q: %w", raw, err)
	}

	return result(allowed == 1, tokens, cost, b, now), nil
}
