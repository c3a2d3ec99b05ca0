package config

import (
	"context"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

// ProviderCredentials holds the per-provider webhook authenticity material.
// An empty SigningSecret means verification for that provider is not yet
// provisioned and the gateway falls back to warn-and-allow.
type ProviderCredentials struct {
	SigningSecret   string `mapstructure:"SIGNING_SECRET"`
	BearerToken     string `mapstructure:"BEARER_TOKEN"`
	PresharedSecret string `mapstructure:"PRESHARED_SECRET"`
}

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Payment struct {
		// Webhook gateway fixed-window limit, requests per minute per (provider, ip).
		WebhookRateLimitPerMin int `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MIN"`
		// Submit-transaction limit, requests per minute per user.
		SubmitRateLimitPerMin int `mapstructure:"SUBMIT_RATE_LIMIT_PER_MIN"`
		// Manual admin credits at or above this raise a HIGH fraud alert.
		AdminCreditAlertThreshold int64 `mapstructure:"ADMIN_CREDIT_ALERT_THRESHOLD"`
		// Marketplace cut in basis points, applied at auction settlement.
		PlatformFeeBps int                            `mapstructure:"PLATFORM_FEE_BPS"`
		ConfigCacheTTL time.Duration                  `mapstructure:"CONFIG_CACHE_TTL"`
		Providers      map[string]ProviderCredentials `mapstructure:"PROVIDERS"`
	} `mapstructure:"PAYMENT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config file", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	applyDefaults(&cfg)

	if p.Vault != nil {
		client := p.Vault
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Info("Success Get Secret")

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")

		// Provider signing material lives next to the infra secrets so
		// rotating a webhook secret never requires a config redeploy.
		if cfg.Payment.Providers == nil {
			cfg.Payment.Providers = make(map[string]ProviderCredentials)
		}
		for name, creds := range cfg.Payment.Providers {
			if v := get("webhook_signing_secret_" + name); v != "" {
				creds.SigningSecret = v
			}
			if v := get("webhook_bearer_token_" + name); v != "" {
				creds.BearerToken = v
			}
			if v := get("webhook_preshared_secret_" + name); v != "" {
				creds.PresharedSecret = v
			}
			cfg.Payment.Providers[name] = creds
		}
	}

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "8080"
	}
	if cfg.Payment.WebhookRateLimitPerMin == 0 {
		cfg.Payment.WebhookRateLimitPerMin = 120
	}
	if cfg.Payment.SubmitRateLimitPerMin == 0 {
		cfg.Payment.SubmitRateLimitPerMin = 10
	}
	if cfg.Payment.AdminCreditAlertThreshold == 0 {
		cfg.Payment.AdminCreditAlertThreshold = 100_000
	}
	if cfg.Payment.PlatformFeeBps == 0 {
		cfg.Payment.PlatformFeeBps = 250
	}
	if cfg.Payment.ConfigCacheTTL == 0 {
		cfg.Payment.ConfigCacheTTL = 15 * time.Second
	}
}
