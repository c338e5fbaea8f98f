package migration

import (
	"context"

	"github.com/smallbiznis/collectr/internal/config"
	plandomain "github.com/smallbiznis/collectr/internal/plan/domain"
	"github.com/smallbiznis/collectr/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, plans plandomain.Service, log *zap.Logger) error {
		if err := Apply(conn); err != nil {
			return err
		}

		if cfg.SeedPlans {
			created, err := seed.EnsureDefaultPlans(context.Background(), plans)
			if err != nil {
				return err
			}
			log.Info("default plans seeded", zap.Int("created", created))
		}
		return nil
	}),
)
