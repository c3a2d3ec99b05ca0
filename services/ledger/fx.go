package ledger

import (
	"go.uber.org/fx"
)

// Module wires the ledger store. Balance mutation is an in-process library
// contract consumed by the hold manager, the reconciler and the auction
// service; only the read surface goes over HTTP.
var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("ledger.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)
