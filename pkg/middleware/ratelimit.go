package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/commoditybroker/pkg/config"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
	"github.com/wyfcoding/commoditybroker/pkg/ratelimit"
	"github.com/wyfcoding/commoditybroker/pkg/response"
)

// RateLimitKey 限流 key：ratelimit:<scope>:<路由模板>:<客户端 IP>
// scope 通常为经纪人代理 ID，多个经纪人共用一个 Redis 时互不影响
func RateLimitKey(scope, route, clientIP string) string {
	if route == "" {
		route = "unmatched"
	}
	return strings.Join([]string{"ratelimit", scope, route, clientIP}, ":")
}

// RateLimitMiddleware 按经纪人、路由与客户端 IP 限流；限流器故障时放行
func RateLimitMiddleware(limiter ratelimit.RateLimiter, cfg config.RateLimitConfig, scope string) gin.HandlerFunc {
	limit := ratelimit.Limit{
		Rate:   cfg.QPS,
		Period: time.Second,
		Burst:  cfg.Burst,
	}
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := limiter.Allow(ctx, RateLimitKey(scope, c.FullPath(), c.ClientIP()), limit)
		if err != nil {
			logger.Warn(ctx, "rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(res.ResetAfter/time.Second), 10))

		if !res.Allowed {
			// 不足一秒按一秒计
			retry := int64((res.RetryAfter + time.Second - 1) / time.Second)
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			logger.Debug(ctx, "request throttled", "scope", scope, "path", c.FullPath(), "client_ip", c.ClientIP())
			response.ErrorWithStatus(c, http.StatusTooManyRequests, "too many requests", "retry after "+res.RetryAfter.String())
			return
		}

		c.Next()
	}
}
