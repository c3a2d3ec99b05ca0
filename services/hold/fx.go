package hold

import (
	"go.uber.org/fx"
)

var Module = fx.Module("hold.service",
	fx.Provide(NewService),
)
