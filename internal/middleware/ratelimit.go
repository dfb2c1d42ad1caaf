package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
)

// RateLimit 返回一个 Gin 中间件，用于基于客户端 IP 地址进行速率限制。
// limiter: 计数存储，必须提供。
// maxRequests: 在指定时间窗口内允许的最大请求数。
// window: 速率限制的时间窗口。
func RateLimit(limiter repository.RateLimitRepository, maxRequests int, window time.Duration) gin.HandlerFunc {
	if limiter == nil {
		panic("RateLimitRepository cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		// 如果服务在反向代理后面，需要配置 gin 的 TrustedProxies 才能拿到真实 IP
		key := "ip:" + c.ClientIP()

		exceeded, err := limiter.CheckRateLimit(c.Request.Context(), key, maxRequests, window)
		if err != nil {
			logrus.WithError(err).Error("RateLimit: counter check failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limiting error"})
			c.Abort()
			return
		}

		if exceeded {
			metrics.RateLimitHits.WithLabelValues(c.FullPath()).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}

		c.Next()
	}
}
