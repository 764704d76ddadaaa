package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"access-guard/internal/common/clock"
	"access-guard/internal/common/logging"
	"access-guard/internal/csrf"
	"access-guard/internal/guard"
	"access-guard/internal/lockout"
	"access-guard/internal/policy"
	"access-guard/internal/quota"
	"access-guard/internal/ratelimit"
	"access-guard/internal/window"
)

type healthFunc func(ctx context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	router  *mux.Router
	clock   *clock.Fake
	lockout *lockout.Engine
	quota   *quota.Cache
	csrf    *csrf.Store
	source  *tenantSource
}

// tenantSource allows every tenant except "over"
type tenantSource struct{ calls int }

func (s *tenantSource) CheckLimit(_ context.Context, tenantID, _ string) (bool, error) {
	s.calls++
	return tenantID != "over", nil
}

func newTestEnv(t *testing.T, redis HealthChecker) *testEnv {
	t.Helper()
	nop := logging.NewNop()
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	def := ratelimit.Policy{Purpose: "default", KeyPrefix: "ratelimit", Window: time.Minute, MaxRequests: 2}
	policies, err := policy.NewSet(def, policy.Rule{
		Purpose: "login", KeyPrefix: "login", Window: time.Minute, MaxRequests: 1, PathPrefixes: []string{"/login"},
	})
	require.NoError(t, err)

	limiter, err := ratelimit.New(window.NewMemoryStore(), def, ratelimit.WithClock(clk), ratelimit.WithLogger(nop))
	require.NoError(t, err)
	engine, err := lockout.New(window.NewMemoryStore(), lockout.NewMemoryBlockStore(), lockout.DefaultConfig(),
		lockout.WithClock(clk), lockout.WithLogger(nop))
	require.NoError(t, err)
	source := &tenantSource{}
	q, err := quota.New(source, quota.DefaultConfig(), quota.WithClock(clk), quota.WithLogger(nop))
	require.NoError(t, err)
	g, err := guard.New(engine, limiter, policies, guard.WithQuota(q), guard.WithClock(clk), guard.WithLogger(nop))
	require.NoError(t, err)

	tokens := csrf.NewStore(nil, time.Hour, clk)
	h, err := New(Deps{
		Guard:   g,
		Lockout: engine,
		Limiter: limiter,
		Quota:   q,
		CSRF:    tokens,
		Redis:   redis,
		Version: "test",
		Logger:  nop,
	})
	require.NoError(t, err)

	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/api/v1/csrf", h.IssueCSRFToken).Methods("GET")
	r.HandleFunc("/api/v1/check", h.Check).Methods("POST")
	r.HandleFunc("/api/v1/auth-events", h.AuthEvent).Methods("POST")
	r.HandleFunc("/api/v1/blocks", h.ListBlocks).Methods("GET")
	r.HandleFunc("/api/v1/blocks", h.CreateBlock).Methods("POST")
	r.HandleFunc("/api/v1/blocks/{address}", h.DeleteBlock).Methods("DELETE")
	r.HandleFunc("/api/v1/limits/{key}", h.GetLimit).Methods("GET")
	r.HandleFunc("/api/v1/limits/{key}", h.ResetLimit).Methods("DELETE")
	r.HandleFunc("/api/v1/quota/{tenant}/invalidate", h.InvalidateQuota).Methods("POST")

	return &testEnv{router: r, clock: clk, lockout: engine, quota: q, csrf: tokens, source: source}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNew_RequiresEngines(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	t.Run("without redis", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(t, "GET", "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeMap(t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "disabled", body["redis"])
		assert.Equal(t, "closed", body["quota_breaker"])
	})

	t.Run("redis unreachable", func(t *testing.T) {
		env := newTestEnv(t, healthFunc(func(context.Context) error { return errors.New("connection refused") }))
		rec := env.do(t, "GET", "/health", "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "unreachable", decodeMap(t, rec)["redis"])
	})
}

func TestCheck(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"address":"10.0.0.1"}`

	for i, remaining := range []string{"1", "0"} {
		rec := env.do(t, "POST", "/api/v1/check", body)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, remaining, rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "allowed", decodeMap(t, rec)["outcome"])
	}

	rec := env.do(t, "POST", "/api/v1/check", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	decision := decodeMap(t, rec)
	assert.Equal(t, "denied", decision["outcome"])
	assert.Equal(t, "ratelimit", decision["stage"])
	assert.Equal(t, "rate limit exceeded, retry later", decision["reason"])

	// purpose selects the stricter policy
	rec = env.do(t, "POST", "/api/v1/check", `{"address":"10.0.0.2","purpose":"login"}`)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
}

func TestCheck_Quota(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/check", `{"address":"10.0.0.1","tenantId":"over"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "quota", decodeMap(t, rec)["stage"])

	rec = env.do(t, "POST", "/api/v1/check", `{"address":"10.0.0.2","tenantId":"acme"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, env.source.calls)

	// cached until invalidated
	env.do(t, "POST", "/api/v1/check", `{"address":"10.0.0.2","tenantId":"acme"}`)
	assert.Equal(t, 2, env.source.calls)

	rec = env.do(t, "POST", "/api/v1/quota/acme/invalidate", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	env.do(t, "POST", "/api/v1/check", `{"address":"10.0.0.3","tenantId":"acme"}`)
	assert.Equal(t, 3, env.source.calls)
}

func TestCheck_InvalidBody(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", `{"address":`},
		{"unknown field", `{"address":"10.0.0.1","extra":true}`},
		{"bad address", `{"address":"not-an-ip"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/v1/check", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "validation", decodeMap(t, rec)["type"])
		})
	}
}

func TestAuthEvents_LockOut(t *testing.T) {
	env := newTestEnv(t, nil)
	event := `{"address":"192.168.1.1","actor":"alice","success":false}`

	var last map[string]interface{}
	for i := 0; i < 5; i++ {
		rec := env.do(t, "POST", "/api/v1/auth-events", event)
		require.Equal(t, http.StatusOK, rec.Code)
		last = decodeMap(t, rec)
	}
	assert.Equal(t, true, last["blocked"])
	assert.Equal(t, true, last["newly_blocked"])

	rec := env.do(t, "POST", "/api/v1/check", `{"address":"192.168.1.1"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "temporarily blocked", decodeMap(t, rec)["reason"])
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))

	rec = env.do(t, "POST", "/api/v1/auth-events", `{"address":"192.168.1.1","success":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.lockout.IsBlocked(context.Background(), "192.168.1.1"))

	rec = env.do(t, "POST", "/api/v1/auth-events", `{"actor":"alice","success":false}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlocks(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/api/v1/blocks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeMap(t, rec)["count"])

	rec = env.do(t, "POST", "/api/v1/blocks", `{"address":"203.0.113.7","reason":"scanner","duration":"30m"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	entry := decodeMap(t, rec)
	assert.Equal(t, "203.0.113.7", entry["ip"])
	assert.Equal(t, "scanner", entry["reason"])
	assert.Equal(t, "2024-03-01T12:30:00Z", entry["expires_at"])

	rec = env.do(t, "GET", "/api/v1/blocks", "")
	list := decodeMap(t, rec)
	assert.EqualValues(t, 1, list["count"])

	rec = env.do(t, "POST", "/api/v1/blocks", `{"address":"203.0.113.8","duration":"-5m"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, "POST", "/api/v1/blocks", `{"address":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "DELETE", "/api/v1/blocks/203.0.113.7", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, "DELETE", "/api/v1/blocks/203.0.113.7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, "DELETE", "/api/v1/blocks/garbage", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBlock_DefaultDuration(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/blocks", `{"address":"203.0.113.9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	entry := decodeMap(t, rec)
	assert.Equal(t, "2024-03-01T12:15:00Z", entry["expires_at"])
	assert.Equal(t, "blocked by administrator", entry["reason"])
}

func TestLimits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, "POST", "/api/v1/check", `{"address":"10.0.0.9"}`)
	env.clock.Advance(10 * time.Second)
	env.do(t, "POST", "/api/v1/check", `{"address":"10.0.0.9"}`)

	rec := env.do(t, "GET", "/api/v1/limits/ratelimit:10.0.0.9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeMap(t, rec)
	assert.Equal(t, "default", state["purpose"])
	assert.Equal(t, "1m0s", state["window"])
	assert.Len(t, state["events"], 2)
	result := state["result"].(map[string]interface{})
	assert.EqualValues(t, 0, result["remaining"])
	assert.Equal(t, false, result["allowed"])

	// inspecting does not record a hit
	rec = env.do(t, "GET", "/api/v1/limits/ratelimit:10.0.0.9", "")
	assert.Len(t, decodeMap(t, rec)["events"], 2)

	rec = env.do(t, "DELETE", "/api/v1/limits/ratelimit:10.0.0.9", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, "DELETE", "/api/v1/limits/ratelimit:10.0.0.9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/api/v1/check", `{"address":"10.0.0.9"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIssueCSRFToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/api/v1/csrf", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "session_id", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.NotEmpty(t, decodeMap(t, rec)["token"])

	// an issued session is reused
	issued := cookies[0].Value
	req := httptest.NewRequest("GET", "/api/v1/csrf", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: issued})
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestIssueCSRFToken_ReplacesUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/api/v1/csrf", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "planted"})
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.NotEqual(t, "planted", cookies[0].Value)
	assert.NotEmpty(t, cookies[0].Value)

	token, _ := decodeMap(t, rec)["token"].(string)
	require.NotEmpty(t, token)
	assert.False(t, env.csrf.Validate(context.Background(), "planted", token))
	assert.True(t, env.csrf.Validate(context.Background(), cookies[0].Value, token))
}
