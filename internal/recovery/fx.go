package recovery

import (
	"github.com/smallbiznis/collectr/internal/recovery/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recovery.service",
	fx.Provide(service.NewService),
)
