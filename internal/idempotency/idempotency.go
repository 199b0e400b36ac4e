// Package idempotency кэширует ответы на запросы с заголовком Idempotency-Key.
//
// Это первый рубеж против повторной доставки. Последний - проверки внутри
// транзакций оплаты и возврата.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iurnickita/storewallet/internal/auth"
)

const HeaderKey = "Idempotency-Key"

type CachedResponse struct {
	StatusCode int
	Body       []byte
}

type Repository interface {
	// Get возвращает nil, если ответа нет
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Save(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error
}

type redisRepository struct {
	client *redis.Client
}

func NewRedisRepository(client *redis.Client) Repository {
	return &redisRepository{client: client}
}

func (r *redisRepository) Get(ctx context.Context, key string) (*CachedResponse, error) {
	val, err := r.client.Get(ctx, "idempotency:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}

	var resp CachedResponse
	if err = json.Unmarshal(val, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal cached response: %w", err)
	}
	return &resp, nil
}

func (r *redisRepository) Save(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error {
	b, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return r.client.Set(ctx, "idempotency:"+key, b, ttl).Err()
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware отдает сохраненный ответ на повторный запрос с тем же ключом.
// Ответы 5xx не сохраняются, чтобы запрос можно было повторить.
// При недоступности Redis запрос обрабатывается как обычно.
func Middleware(repo Repository, ttl time.Duration, zaplog *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(HeaderKey)
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			// ключ действует только для своего пользователя и адреса
			key := auth.UserCode(ctx) + ":" + r.Method + ":" + r.URL.Path + ":" + header

			cached, err := repo.Get(ctx, key)
			if err != nil {
				zaplog.Error("idempotency lookup failed", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if cached != nil {
				zaplog.Info("idempotency cache hit", zap.String("key", key))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Hit", "true")
				w.WriteHeader(cached.StatusCode)
				w.Write(cached.Body)
				return
			}

			recorder := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}
			next.ServeHTTP(recorder, r)

			if cacheable(recorder.statusCode) {
				err = repo.Save(ctx, key, CachedResponse{
					StatusCode: recorder.statusCode,
					Body:       recorder.body.Bytes(),
				}, ttl)
				if err != nil {
					zaplog.Error("idempotency save failed", zap.String("key", key), zap.Error(err))
				}
			}
		})
	}
}

// cacheable - 5xx и 402 не сохраняются: после пополнения кошелька
// повтор с тем же ключом должен выполнить операцию заново
func cacheable(code int) bool {
	return code < http.StatusInternalServerError && code != http.StatusPaymentRequired
}
