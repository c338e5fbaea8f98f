package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/collectr/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyRecoveryUser = "ratelimit:recovery:user:%s"

// RecoveryLimiter throttles per-user recovery and status checks, which reach the
// provider's verify API. A nil or disabled limiter allows everything.
type RecoveryLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

type RecoveryLimiterParams struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

func NewRecoveryLimiter(p RecoveryLimiterParams) (*RecoveryLimiter, error) {
	limitCfg := p.Config.RateLimit
	if !limitCfg.Enabled {
		return &RecoveryLimiter{}, nil
	}
	if p.Redis == nil {
		p.Log.Warn("recovery rate limit disabled: redis is not configured")
		return &RecoveryLimiter{}, nil
	}
	if limitCfg.RecoveryRate <= 0 || limitCfg.RecoveryBurst <= 0 {
		return nil, fmt.Errorf("recovery rate limit: %w", ErrInvalidLimit)
	}
	return newRecoveryLimiter(NewTokenBucket(p.Redis), limitCfg.RecoveryRate, limitCfg.RecoveryBurst), nil
}

func newRecoveryLimiter(bucket *TokenBucket, rate float64, burst int) *RecoveryLimiter {
	return &RecoveryLimiter{
		enabled: bucket != nil,
		bucket:  bucket,
		rate:    rate,
		burst:   burst,
	}
}

func (l *RecoveryLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *RecoveryLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyRecoveryUser, strings.TrimSpace(userID)), l.rate, l.burst)
}
