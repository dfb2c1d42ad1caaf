package redisstate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"collaborative-canvas/internal/repository"
)

// RateLimiter 是 RateLimitRepository 的 Redis 实现
type RateLimiter struct {
	client *redis.Client
	prefix string
}

var _ repository.RateLimitRepository = (*RateLimiter)(nil)

// NewRateLimiter 创建 RateLimiter 实例
func NewRateLimiter(client *redis.Client, prefix string) *RateLimiter {
	if client == nil {
		panic("redis client cannot be nil for RateLimiter")
	}
	return &RateLimiter{client: client, prefix: prefix}
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
func (r *RateLimiter) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	key = r.prefix + "ratelimit:" + key
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	// 每次请求都会刷新过期时间
	pipe.Expire(ctx, key, duration)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", key, err)
	}
	count, err := incrCmd.Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to get incr result for rate limit on key %s: %w", key, err)
	}
	return count > int64(limit), nil
}
