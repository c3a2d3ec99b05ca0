package main

import (
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"starhub-payments/pkg/config"
	"starhub-payments/pkg/db"
	"starhub-payments/pkg/health"
	"starhub-payments/pkg/logger"
	"starhub-payments/pkg/ratelimit"
	"starhub-payments/pkg/redis"
	"starhub-payments/pkg/secretmanager"
	"starhub-payments/pkg/server"
	"starhub-payments/pkg/task"
	"starhub-payments/services/auction"
	"starhub-payments/services/deposit"
	"starhub-payments/services/fraud"
	"starhub-payments/services/hold"
	"starhub-payments/services/ledger"
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
		fx.Provide(provideSnowflakeNode),
		ledger.Module,
		ledger.Gateway,
		hold.Module,
		auction.Module,
		auction.Gateway,
		fraud.Module,
		fraud.Gateway,
		deposit.Module,
		deposit.Gateway,
		webhook.Module,
		webhook.Gateway,
		health.Module,
		fx.Invoke(registerMetrics),
		server.ProvideHTTPServer,
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
	return snowflake.NewNode(1)
}

func registerMetrics(engine *gin.Engine) {
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
