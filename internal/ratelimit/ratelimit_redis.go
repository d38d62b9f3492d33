package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements the same sliding-window policy as Limiter but
// shares its counters across every relay process via a Redis sorted set per
// key, scored by request timestamp so expired entries can be trimmed with a
// single ZREMRANGEBYSCORE before counting.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter wraps an existing redis client; the caller owns its
// lifecycle.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "tokenplace:ratelimit:"}
}

// Allow reports whether a request for key is within the limit, recording it
// atomically via a single Lua-free pipeline: trim expired entries, count
// what remains, and conditionally add the new entry.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}

	redisKey := l.prefix + key
	now := time.Now()
	cutoff := now.Add(-l.window)

	if err := l.client.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
		return false, 0, fmt.Errorf("redis: trim rate limit window for %s: %w", key, err)
	}

	count, err := l.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis: count rate limit entries for %s: %w", key, err)
	}

	if int(count) >= l.limit {
		oldest, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err != nil {
			return false, 0, fmt.Errorf("redis: read oldest rate limit entry for %s: %w", key, err)
		}
		retryAfter := l.window
		if len(oldest) > 0 {
			retryAfter = time.Unix(0, int64(oldest[0].Score)).Add(l.window).Sub(now)
		}
		return false, retryAfter, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond())
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis: record rate limit entry for %s: %w", key, err)
	}
	return true, 0, nil
}
