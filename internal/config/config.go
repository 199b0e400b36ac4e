package config

import (
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	handlerConfig "github.com/iurnickita/storewallet/internal/handler/config"
	loggerConfig "github.com/iurnickita/storewallet/internal/logger/config"
	serviceConfig "github.com/iurnickita/storewallet/internal/service/config"
	storeConfig "github.com/iurnickita/storewallet/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
}

// GetConfig собирает конфигурацию: флаги, поверх них переменные окружения.
// Файл .env, если есть, загружается в окружение.
func GetConfig() Config {
	_ = godotenv.Load()
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) Config {
	var cfg Config

	fs.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "server address")
	fs.StringVar(&cfg.Handler.TokenSecret, "s", "", "token signing secret")
	fs.StringVar(&cfg.Handler.RedisAddr, "r", "", "redis address for idempotency cache")
	fs.DurationVar(&cfg.Handler.IdempotencyTTL, "idempotency-ttl", 24*time.Hour, "idempotency cache TTL")
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "database DSN")
	fs.StringVar(&cfg.Service.StoreSettingsAddr, "store-settings", "", "store settings service address")
	fs.StringVar(&cfg.Service.AMQPURL, "amqp", "", "rabbitmq URL for wallet events")
	fs.StringVar(&cfg.Service.Exchange, "exchange", "wallet_events", "rabbitmq exchange")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	_ = fs.Parse(args)

	envString("RUN_ADDRESS", &cfg.Handler.ServerAddr)
	envString("TOKEN_SECRET", &cfg.Handler.TokenSecret)
	envString("REDIS_ADDRESS", &cfg.Handler.RedisAddr)
	envString("REDIS_PASSWORD", &cfg.Handler.RedisPassword)
	envDuration("IDEMPOTENCY_TTL", &cfg.Handler.IdempotencyTTL)
	envString("DATABASE_URI", &cfg.Store.DBDsn)
	envString("STORE_SETTINGS_ADDRESS", &cfg.Service.StoreSettingsAddr)
	envString("AMQP_URL", &cfg.Service.AMQPURL)
	envString("WALLET_EVENTS_EXCHANGE", &cfg.Service.Exchange)
	envString("LOG_LEVEL", &cfg.Logger.LogLevel)

	return cfg
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
