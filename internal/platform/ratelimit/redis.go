package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements a fixed window counter in redis
// The window key embeds the epoch bucket so expiry and reset coincide
type RedisLimiter struct {
	rdb    redis.UniversalClient
	limits map[Class]Limit
	clock  func() time.Time
}

// NewRedis constructs a RedisLimiter with the default budgets
func NewRedis(rdb redis.UniversalClient) *RedisLimiter {
	if rdb == nil {
		panic("ratelimit.NewRedis requires a non nil redis client")
	}
	return &RedisLimiter{rdb: rdb, limits: Limits, clock: time.Now}
}

// Allow counts the request against the caller's current window
func (l *RedisLimiter) Allow(ctx context.Context, class Class, key string) (bool, time.Duration, error) {
	lim, ok := l.limits[class]
	if !ok {
		return true, 0, nil
	}

	now := l.clock()
	bucket := now.UnixMilli() / lim.Window.Milliseconds()
	rkey := fmt.Sprintf("rl:%s:%s:%d", class, key, bucket)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.Expire(ctx, rkey, lim.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, 0, err
	}

	if incr.Val() > int64(lim.PerMinute) {
		resetAt := time.UnixMilli((bucket + 1) * lim.Window.Milliseconds())
		return false, resetAt.Sub(now), nil
	}
	return true, 0, nil
}
