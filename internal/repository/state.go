package repository

import (
	"context"
	"time"
)

// RateLimitRepository 提供固定窗口计数，通常由 Redis 实现。
type RateLimitRepository interface {
	// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
	// 返回 true 如果超限，false 如果未超限。
	CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error)
}
