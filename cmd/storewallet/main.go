package main

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iurnickita/storewallet/internal/auth"
	"github.com/iurnickita/storewallet/internal/config"
	"github.com/iurnickita/storewallet/internal/events"
	"github.com/iurnickita/storewallet/internal/handler"
	"github.com/iurnickita/storewallet/internal/idempotency"
	"github.com/iurnickita/storewallet/internal/logger"
	"github.com/iurnickita/storewallet/internal/service"
	"github.com/iurnickita/storewallet/internal/service/storeclient"
	"github.com/iurnickita/storewallet/internal/settlement"
	"github.com/iurnickita/storewallet/internal/store"
	"github.com/iurnickita/storewallet/internal/token"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.GetConfig()

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	// настройки магазинов: внешний сервис или своя база
	var settings settlement.SettingsSource = store
	if cfg.Service.StoreSettingsAddr != "" {
		settings = storeclient.NewStoreClient(cfg.Service.StoreSettingsAddr)
	}

	publisher := events.Nop()
	if cfg.Service.AMQPURL != "" {
		rabbit, err := events.NewRabbitMQPublisher(cfg.Service.AMQPURL, cfg.Service.Exchange)
		if err != nil {
			return err
		}
		defer rabbit.Close()
		publisher = rabbit
	}

	var idem idempotency.Repository
	if cfg.Handler.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Handler.RedisAddr,
			Password: cfg.Handler.RedisPassword,
		})
		defer rdb.Close()
		if err = rdb.Ping(context.Background()).Err(); err != nil {
			// кэш необязателен, сервис работает без него
			zaplog.Warn("redis unavailable", zap.Error(err))
		}
		idem = idempotency.NewRedisRepository(rdb)
	}

	tk, err := token.NewToken(cfg.Handler.TokenSecret)
	if err != nil {
		return err
	}
	auth := auth.NewAuth(tk)
	service := service.NewService(cfg.Service, store, settings, publisher, zaplog)

	zaplog.Info("storewallet started", zap.String("address", cfg.Handler.ServerAddr))
	return handler.Serve(cfg.Handler, auth, service, idem, zaplog)
}
