package idempotency

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/idempotency/domain"
	"github.com/smallbiznis/collectr/internal/idempotency/service"
	"github.com/smallbiznis/collectr/internal/idempotency/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("idempotency",
	fx.Provide(ProvideStore),
	fx.Provide(service.NewService),
)

type StoreParams struct {
	fx.In

	Config config.Config
	Clock  clock.Clock
	DB     *gorm.DB
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

func ProvideStore(p StoreParams) (domain.Store, error) {
	switch p.Config.IdempotencyBackend {
	case config.BackendRedis:
		if p.Redis == nil {
			return nil, fmt.Errorf("idempotency backend %q requires REDIS_URL", p.Config.IdempotencyBackend)
		}
		return store.NewRedisStore(p.Redis, p.Clock.Now), nil
	case config.BackendDatabase:
		return store.NewGormStore(p.DB, p.Clock.Now), nil
	case config.BackendMemory:
		p.Log.Warn("using in-process idempotency store; deduplication is not shared across instances")
		return store.NewMemoryStore(p.Clock.Now), nil
	default:
		return nil, fmt.Errorf("unsupported idempotency backend %q", p.Config.IdempotencyBackend)
	}
}
