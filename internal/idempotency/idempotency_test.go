package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memRepo struct {
	mu    sync.Mutex
	items map[string]CachedResponse
	err   error
}

func (m *memRepo) Get(_ context.Context, key string) (*CachedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if resp, ok := m.items[key]; ok {
		return &resp, nil
	}
	return nil, nil
}

func (m *memRepo) Save(_ context.Context, key string, response CachedResponse, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = response
	return nil
}

func TestMiddleware(t *testing.T) {
	repo := &memRepo{items: map[string]CachedResponse{}}
	calls := 0
	status := http.StatusOK
	h := Middleware(repo, time.Hour, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
		w.Write([]byte(`{"outcome":"paid"}`))
	}))

	do := func(key string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/orders/1/settle", nil)
		if key != "" {
			r.Header.Set(HeaderKey, key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := do("k1")
	require.Equal(t, http.StatusOK, w.Code)
	w = do("k1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "true", w.Header().Get("X-Idempotency-Hit"))
	require.JSONEq(t, `{"outcome":"paid"}`, w.Body.String())
	require.Equal(t, 1, calls)

	// без ключа - всегда обработка
	do("")
	do("")
	require.Equal(t, 3, calls)

	// 5xx не кэшируется
	status = http.StatusInternalServerError
	do("k2")
	do("k2")
	require.Equal(t, 5, calls)

	// 402 тоже: повтор после пополнения выполняется заново
	status = http.StatusPaymentRequired
	w = do("k3")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	status = http.StatusOK
	w = do("k3")
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("X-Idempotency-Hit"))
	require.Equal(t, 7, calls)
	w = do("k3")
	require.Equal(t, "true", w.Header().Get("X-Idempotency-Hit"))
	require.Equal(t, 7, calls)

	// 4xx кроме 402 кэшируется
	status = http.StatusBadRequest
	do("k4")
	do("k4")
	require.Equal(t, 8, calls)
}

func TestMiddlewareFailOpen(t *testing.T) {
	repo := &memRepo{items: map[string]CachedResponse{}, err: errors.New("redis down")}
	calls := 0
	h := Middleware(repo, time.Hour, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set(HeaderKey, "k1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	require.Equal(t, 1, calls)
}

// Проверка на живом Redis, только если задан REDIS_ADDRESS
func TestRedisRepository(t *testing.T) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	repo := NewRedisRepository(client)
	key := "test-" + time.Now().Format(time.RFC3339Nano)

	resp, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.Nil(t, resp)

	require.NoError(t, repo.Save(ctx, key, CachedResponse{StatusCode: http.StatusPaymentRequired, Body: []byte(`{"outcome":"needs_refill"}`)}, time.Minute))

	resp, err = repo.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.JSONEq(t, `{"outcome":"needs_refill"}`, string(resp.Body))
}
