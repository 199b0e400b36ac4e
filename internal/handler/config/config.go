package config

import "time"

type Config struct {
	ServerAddr  string
	TokenSecret string
	// Redis для кэша ответов по Idempotency-Key, пусто - без кэша
	RedisAddr      string
	RedisPassword  string
	IdempotencyTTL time.Duration
}
