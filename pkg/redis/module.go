package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/collectr/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

// New connects to redis when a component needs it. It returns a nil client when neither the
// lock nor the idempotency store uses redis and rate limiting has no redis URL.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	if !needsRedis(cfg) {
		log.Info("redis disabled", zap.String("lock_backend", cfg.LockBackend), zap.String("idempotency_backend", cfg.IdempotencyBackend))
		return nil, nil
	}

	client, err := Connect(context.Background(), Config{
		ConnectionURL:  cfg.RedisURL,
		RetryAttempts:  cfg.RedisRetryAttempts,
		RetryInterval:  cfg.RedisRetryInterval,
		ConnectTimeout: cfg.RedisConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	log.Info("redis connected")
	return client, nil
}

func needsRedis(cfg config.Config) bool {
	if cfg.LockBackend == config.BackendRedis || cfg.IdempotencyBackend == config.BackendRedis {
		return true
	}
	return cfg.RateLimit.Enabled && cfg.RedisURL != ""
}
