package lock

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(ProvideLocker),
	fx.Provide(NewGuard),
)

type LockerParams struct {
	fx.In

	Config config.Config
	Clock  clock.Clock
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

func ProvideLocker(p LockerParams) (Locker, error) {
	switch p.Config.LockBackend {
	case config.BackendRedis:
		if p.Redis == nil {
			return nil, fmt.Errorf("lock backend %q requires REDIS_URL", p.Config.LockBackend)
		}
		return NewRedisLocker(p.Redis), nil
	case config.BackendMemory:
		p.Log.Warn("using in-process lock; not safe with more than one instance")
		return NewMemoryLocker(p.Clock.Now), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", p.Config.LockBackend)
	}
}
