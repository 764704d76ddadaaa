package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"access-guard/internal/common/errors"
	"access-guard/internal/config"
	"access-guard/internal/guard"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestConfig(t *testing.T, overrides map[string]string) *config.Config {
	t.Helper()
	environ := map[string]string{"ADMIN_JWT_SECRET": testSecret}
	for k, v := range overrides {
		environ[k] = v
	}
	cfg, err := config.Parse(environ)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
		app.Cleanup()
	})
	return app
}

func TestNew_MemoryBackend(t *testing.T) {
	app := newTestApp(t, newTestConfig(t, nil))

	assert.Nil(t, app.Redis)
	assert.Nil(t, app.Proxy)
	assert.Nil(t, app.Quota)
	assert.Nil(t, app.CSRF)
	assert.NotNil(t, app.Guard)
	assert.Equal(t, []string{"log"}, app.Notifier.Channels())
	assert.Equal(t, []string{"lockout", "ratelimit"}, app.Sweeper.Tasks())

	d := app.Guard.Evaluate(context.Background(), guard.Request{Address: "10.0.0.1"})
	assert.True(t, d.Allowed)
	assert.Equal(t, 99, d.Remaining)
}

func TestNew_SharedRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	app := newTestApp(t, newTestConfig(t, map[string]string{
		"STORE_BACKEND":   "redis",
		"REDIS_ADDRESS":   mr.Addr(),
		"NOTIFY_CHANNELS": "log,redis",
		"CSRF_ENABLED":    "true",
	}))
	require.NotNil(t, app.Redis)
	assert.Equal(t, []string{"csrf", "lockout", "ratelimit"}, app.Sweeper.Tasks())
	assert.ElementsMatch(t, []string{"log", "redis"}, app.Notifier.Channels())

	d := app.Guard.Evaluate(context.Background(), guard.Request{Address: "10.0.0.1"})
	require.True(t, d.Allowed)
	assert.True(t, mr.Exists("guard:windows:ratelimit:10.0.0.1:e"))

	app.Lockout.RecordFailedAttempt(context.Background(), "10.0.0.1", "alice")
	assert.True(t, mr.Exists("guard:attempts:lockout:10.0.0.1|alice:e"))
	assert.False(t, mr.Exists("guard:windows:lockout:10.0.0.1|alice:e"))

	// client-chosen ids end up in cache keys; they must not reach the window scans
	require.NoError(t, mr.Set("guard:quota:evil:m", "{}"))
	require.NoError(t, mr.Set("guard:csrf:evil:m", "{}"))

	removed := app.SweepAll(context.Background())
	assert.Contains(t, removed, "ratelimit")
	assert.Contains(t, removed, "lockout")
}

func TestNew_RedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = New(newTestConfig(t, map[string]string{
		"STORE_BACKEND": "redis",
		"REDIS_ADDRESS": addr,
	}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConnection))
}

func TestRoutes_AdminAPIRequiresToken(t *testing.T) {
	app := newTestApp(t, newTestConfig(t, nil))
	handler, err := app.Routes()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/blocks", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := app.Auth.IssueToken("ops")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/blocks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutes_NoProxyReturnsNotFound(t *testing.T) {
	app := newTestApp(t, newTestConfig(t, nil))
	handler, err := app.Routes()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_ProxyIsGuarded(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	app := newTestApp(t, newTestConfig(t, map[string]string{
		"UPSTREAM_URL":            upstream.URL,
		"RATE_LIMIT_MAX_REQUESTS": "2",
	}))
	handler, err := app.Routes()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(2), hits.Load())
}
