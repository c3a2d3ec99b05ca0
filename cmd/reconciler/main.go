package main

import (
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"starhub-payments/pkg/config"
	"starhub-payments/pkg/db"
	"starhub-payments/pkg/logger"
	"starhub-payments/pkg/ratelimit"
	"starhub-payments/pkg/redis"
	"starhub-payments/pkg/secretmanager"
	"starhub-payments/pkg/task"
	"starhub-payments/services/deposit"
	"starhub-payments/services/fraud"
	"starhub-payments/services/ledger"
	"starhub-payments/services/reconcile"
	"starhub-payments/services/webhook"
)

func main() {
	_ = godotenv.Load()

	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		ratelimit.Module,
		task.Client,
		task.Server,
		fx.Provide(provideSnowflakeNode),
		ledger.Module,
		fraud.Module,
		deposit.Module,
		webhook.Module,
		reconcile.Module,
		fxLogger,
	}

	if os.Getenv("VAULT_ADDR") != "" {
		opts = append([]fx.Option{secretmanager.Module}, opts...)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(2)
}
