package deposit

import (
	"starhub-payments/pkg/config"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("deposit.service",
	fx.Provide(provideConfigCache, NewService),
)

var Gateway = fx.Module("deposit.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func provideConfigCache(db *gorm.DB, cfg *config.Config) *ConfigCache {
	return NewConfigCache(db, cfg.Payment.ConfigCacheTTL)
}
