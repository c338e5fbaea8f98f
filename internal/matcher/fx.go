package matcher

import (
	"github.com/smallbiznis/collectr/internal/matcher/service"
	"go.uber.org/fx"
)

var Module = fx.Module("matcher.service",
	fx.Provide(service.NewService),
)
