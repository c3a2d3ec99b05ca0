package fraud

import (
	"go.uber.org/fx"
)

var Module = fx.Module("fraud.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("fraud.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)
