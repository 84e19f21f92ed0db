package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and records in one round trip so that
// concurrent checks for the same key cannot both take the last slot.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Redis is a sliding-window limiter backed by one sorted set per key
// ("rate:<key>"), shared by every server process using the same Redis.
type Redis struct {
	client redis.Scripter
	limit  int
	window time.Duration
	opts   options
}

var _ Limiter = (*Redis)(nil)

// NewRedis creates a Redis-backed limiter.
func NewRedis(client redis.Scripter, limit int, window time.Duration, opts ...Option) *Redis {
	limit, window = sanitize(limit, window)
	o := buildOptions(opts)
	return &Redis{client: client, limit: limit, window: window, opts: o}
}

// Allow evaluates the window atomically on the Redis server.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := r.opts.clock().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{"rate:" + r.opts.prefix + key},
		now, r.window.Milliseconds(), r.limit, member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check for %q: %w", key, err)
	}
	return res == 1, nil
}
