package redislimiter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limit caps calls per window for one bucket.
type Limit struct {
	Limit  int
	Window time.Duration
}

var fallback = Limit{Limit: 100, Window: time.Minute}

// slidingWindow trims the ZSET to the window and records the call only when
// the caller is under its limit. Returns 1 when allowed.
//
// KEYS[1] zset, ARGV: now ms, window ms, limit, member
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window + 1000)
return 1
`)

// Limiter is a sliding-window limiter shared by all replicas through Redis.
type Limiter struct {
	rdb    redis.UniversalClient
	prefix string
	limits map[string]Limit
	now    func() time.Time
}

func New(rdb redis.UniversalClient, limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = map[string]Limit{}
	}
	return &Limiter{rdb: rdb, prefix: "iap:rl:", limits: limits, now: time.Now}
}

func (l *Limiter) get(bucket string) (Limit, bool) {
	if v, ok := l.limits[bucket]; ok {
		return v, true
	}
	if v, ok := l.limits["default"]; ok {
		return v, true
	}
	return fallback, false
}

// AllowNamed records one call by key against bucket.
func (l *Limiter) AllowNamed(ctx context.Context, bucket, key string) (bool, error) {
	if l == nil || l.rdb == nil {
		return true, nil
	}
	if bucket == "" || key == "" {
		return false, errors.New("ratelimit: bucket and key required")
	}
	lim, _ := l.get(bucket)
	// unique member so calls within the same millisecond all count
	allowed, err := slidingWindow.Run(ctx, l.rdb,
		[]string{l.prefix + bucket + ":" + key},
		l.now().UnixMilli(), lim.Window.Milliseconds(), lim.Limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}
