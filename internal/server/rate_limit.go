package server

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/collectr/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

const rateLimitReasonUserRate = "user-rate"

// RecoveryRateLimit throttles endpoints that can reach the provider's verify API. A limiter
// failure lets the request through; recovery is idempotent and the provider has its own limits.
func (s *Server) RecoveryRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.recoveryLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.recoveryLimiter.AllowUser(ctx, userIDFrom(c))
		if err != nil {
			ctxlogger.WithContext(ctx, s.log).Warn("recovery rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			s.denyRateLimit(c, res.RetryAfter)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Next()
	}
}

func (s *Server) denyRateLimit(c *gin.Context, retryAfter time.Duration) {
	endpoint := normalizeRateLimitEndpoint(c)
	ctxlogger.WithContext(c.Request.Context(), s.log).Warn("recovery rate limit exceeded",
		zap.String("reason", rateLimitReasonUserRate),
		zap.String("endpoint", endpoint),
	)
	s.obsMetrics.RecordRateLimited(endpoint)

	c.Header("Retry-After", retryAfterSeconds(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonUserRate)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
