package auction

import (
	"go.uber.org/fx"
)

var Module = fx.Module("auction.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("auction.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)
