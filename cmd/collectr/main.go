package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/collectr/internal/activation"
	"github.com/smallbiznis/collectr/internal/audit"
	"github.com/smallbiznis/collectr/internal/authorization"
	"github.com/smallbiznis/collectr/internal/clock"
	"github.com/smallbiznis/collectr/internal/config"
	"github.com/smallbiznis/collectr/internal/idempotency"
	"github.com/smallbiznis/collectr/internal/lock"
	"github.com/smallbiznis/collectr/internal/matcher"
	"github.com/smallbiznis/collectr/internal/migration"
	"github.com/smallbiznis/collectr/internal/observability"
	"github.com/smallbiznis/collectr/internal/payment"
	"github.com/smallbiznis/collectr/internal/plan"
	"github.com/smallbiznis/collectr/internal/providers"
	"github.com/smallbiznis/collectr/internal/ratelimit"
	"github.com/smallbiznis/collectr/internal/recovery"
	"github.com/smallbiznis/collectr/internal/scheduler"
	"github.com/smallbiznis/collectr/internal/server"
	"github.com/smallbiznis/collectr/internal/subscription"
	"github.com/smallbiznis/collectr/internal/webhook"
	"github.com/smallbiznis/collectr/pkg/db"
	"github.com/smallbiznis/collectr/pkg/redis"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redis.Module,
		clock.Module,
		lock.Module,
		idempotency.Module,
		providers.Module,

		// Billing domains
		plan.Module,
		subscription.Module,
		payment.Module,
		activation.Module,
		webhook.Module,
		matcher.Module,
		recovery.Module,
		ratelimit.Module,

		// Operator access
		audit.Module,
		authorization.Module,

		migration.Module,
		scheduler.Module,
		server.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
