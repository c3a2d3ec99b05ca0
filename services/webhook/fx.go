package webhook

import (
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("webhook.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)
