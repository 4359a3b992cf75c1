package loginlimit

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danieloza/backoffice/internal/domain"
)

// failScript records one failure in the sliding window and arms the lockout
// when the budget is spent. Atomic so replicas agree on when the lock
// starts.
const failScript = `
local fail_key = KEYS[1]
local lock_key = KEYS[2]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_attempts = tonumber(ARGV[3])
local lock_ms = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("ZREMRANGEBYSCORE", fail_key, "-inf", now_ms - window_ms)
redis.call("ZADD", fail_key, now_ms, member)
redis.call("PEXPIRE", fail_key, window_ms)

local count = redis.call("ZCARD", fail_key)
if count >= max_attempts then
  redis.call("SET", lock_key, "1", "PX", lock_ms)
  return 1
end
return 0
`

// Redis is the multi-replica limiter. Redis outages fail open: a broken
// limiter must degrade to unthrottled logins, not a login outage.
type Redis struct {
	rdb    *redis.Client
	window time.Duration
	max    int
	lock   time.Duration
	fail   *redis.Script
}

// NewRedis constructs the shared limiter on the given client.
func NewRedis(rdb *redis.Client, window time.Duration, maxAttempts int, lock time.Duration) *Redis {
	return &Redis{
		rdb:    rdb,
		window: window,
		max:    maxAttempts,
		lock:   lock,
		fail:   redis.NewScript(failScript),
	}
}

func failKey(key string) string { return "login:fail:" + key }
func lockKey(key string) string { return "login:lock:" + key }

// Allow implements domain.LoginLimiter.
func (r *Redis) Allow(ctx domain.Context, email, ip string) error {
	key := limiterKey(email, ip)
	ttl, err := r.rdb.PTTL(ctx, lockKey(key)).Result()
	if err != nil {
		slog.Error("login limiter redis error", slog.String("op", "allow"), slog.Any("error", err))
		return nil
	}
	if ttl > 0 {
		return retryErr(ttl)
	}
	return nil
}

// Fail implements domain.LoginLimiter.
func (r *Redis) Fail(ctx domain.Context, email, ip string) error {
	key := limiterKey(email, ip)
	now := time.Now()
	err := r.fail.Run(ctx, r.rdb,
		[]string{failKey(key), lockKey(key)},
		now.UnixMilli(),
		r.window.Milliseconds(),
		r.max,
		r.lock.Milliseconds(),
		strconv.FormatInt(now.UnixNano(), 10),
	).Err()
	if err != nil {
		slog.Error("login limiter redis error", slog.String("op", "fail"), slog.Any("error", err))
	}
	return nil
}

// Reset implements domain.LoginLimiter.
func (r *Redis) Reset(ctx domain.Context, email, ip string) error {
	key := limiterKey(email, ip)
	if err := r.rdb.Del(ctx, failKey(key), lockKey(key)).Err(); err != nil {
		slog.Error("login limiter redis error", slog.String("op", "reset"), slog.Any("error", err))
	}
	return nil
}
