package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

// ConcurrencyLimiter 限制同时处理的请求数。槽位在 queueTimeout 内仍未空出时返回 503。
// maxConcurrent <= 0 表示不限制。
func ConcurrencyLimiter(maxConcurrent int64, queueTimeout time.Duration) gin.HandlerFunc {
	if maxConcurrent <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	sem := semaphore.NewWeighted(maxConcurrent)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if queueTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, queueTimeout)
			defer cancel()
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Warnf("[ConcurrencyLimiter] 并发已满, 拒绝请求 %s %s", c.Request.Method, c.Request.URL.Path)
			c.Header("Retry-After", "1")
			abort(c, http.StatusServiceUnavailable, "server is busy, please retry later")
			return
		}
		metrics.InFlight.Inc()
		defer func() {
			metrics.InFlight.Dec()
			sem.Release(1)
		}()
		c.Next()
	}
}
