package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// fixedWindowScript increments the counter and starts its expiry on the
// first hit, all inside one atomic script run. Returns {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Redis is a fixed-window throttle shared by every replica pointing at the
// same Redis. Window expiry is handled by Redis key TTLs, so the server
// clock is authoritative and the now argument is ignored.
type Redis struct {
	client    *redis.Client
	limit     int64
	length    time.Duration
	keyPrefix string
}

func NewRedis(client *redis.Client, limit int, length time.Duration) *Redis {
	return &Redis{
		client:    client,
		limit:     int64(limit),
		length:    length,
		keyPrefix: "throttle:ip:",
	}
}

// WithKeyPrefix returns a copy counting under its own key space, so two
// throttles with different limits can share one Redis.
func (r *Redis) WithKeyPrefix(prefix string) *Redis {
	cp := *r
	cp.keyPrefix = prefix
	return &cp
}

func (r *Redis) Check(ctx context.Context, addr string, _ time.Time) (Result, error) {
	if addr == "" {
		return Result{Allowed: true, Limit: r.limit}, nil
	}

	key := r.keyPrefix + addr
	vals, err := fixedWindowScript.Run(ctx, r.client, []string{key}, r.length.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("throttle check for %s failed: %w", addr, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("throttle check for %s: unexpected script reply %v", addr, vals)
	}

	count, ttl := vals[0], time.Duration(vals[1])*time.Millisecond
	res := Result{Count: count, Limit: r.limit, Allowed: count <= r.limit}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res, nil
}
