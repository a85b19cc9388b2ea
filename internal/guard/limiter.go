package guard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptLimiter tracks failed verifications per account.
type AttemptLimiter interface {
	Blocked(ctx context.Context, accountID string) (bool, error)
	Fail(ctx context.Context, accountID string) error
	Reset(ctx context.Context, accountID string) error
}

// NopLimiter never blocks. Used when Redis is not configured.
type NopLimiter struct{}

func (NopLimiter) Blocked(context.Context, string) (bool, error) { return false, nil }
func (NopLimiter) Fail(context.Context, string) error            { return nil }
func (NopLimiter) Reset(context.Context, string) error           { return nil }

// RedisLimiter counts failures in a fixed window keyed by account.
type RedisLimiter struct {
	cache       *redis.Client
	maxAttempts int64
	window      time.Duration
}

// NewRedisLimiter builds a limiter allowing maxAttempts failures per window.
func NewRedisLimiter(cache *redis.Client, maxAttempts int, window time.Duration) *RedisLimiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &RedisLimiter{cache: cache, maxAttempts: int64(maxAttempts), window: window}
}

func attemptsKey(accountID string) string {
	return "rl:pin:" + accountID
}

func (l *RedisLimiter) Blocked(ctx context.Context, accountID string) (bool, error) {
	cnt, err := l.cache.Get(ctx, attemptsKey(accountID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cnt >= l.maxAttempts, nil
}

func (l *RedisLimiter) Fail(ctx context.Context, accountID string) error {
	key := attemptsKey(accountID)
	cnt, err := l.cache.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		return l.cache.Expire(ctx, key, l.window).Err()
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, accountID string) error {
	return l.cache.Del(ctx, attemptsKey(accountID)).Err()
}
