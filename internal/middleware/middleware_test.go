package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"access-guard/internal/common/clock"
	"access-guard/internal/common/logging"
	"access-guard/internal/csrf"
	"access-guard/internal/guard"
	"access-guard/internal/lockout"
	"access-guard/internal/policy"
	"access-guard/internal/ratelimit"
	"access-guard/internal/window"
)

func newTestGuard(t *testing.T, max int) (*guard.Guard, *lockout.Engine) {
	t.Helper()
	nop := logging.NewNop()
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	def := ratelimit.Policy{Purpose: "default", KeyPrefix: "ratelimit", Window: time.Minute, MaxRequests: max}
	policies, err := policy.NewSet(def)
	require.NoError(t, err)
	limiter, err := ratelimit.New(window.NewMemoryStore(), def, ratelimit.WithClock(clk), ratelimit.WithLogger(nop))
	require.NoError(t, err)
	engine, err := lockout.New(window.NewMemoryStore(), lockout.NewMemoryBlockStore(), lockout.DefaultConfig(),
		lockout.WithClock(clk), lockout.WithLogger(nop))
	require.NoError(t, err)

	g, err := guard.New(engine, limiter, policies, guard.WithClock(clk), guard.WithLogger(nop))
	require.NoError(t, err)
	return g, engine
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func request(method, target, remote string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = remote
	return req
}

func TestGuard_ThrottleHeaders(t *testing.T) {
	g, _ := newTestGuard(t, 2)
	handler := Guard(g, DefaultGuardConfig())(ok)

	for i, want := range []string{"1", "0"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request(http.MethodGet, "/dashboard", "10.0.0.1:5555", nil))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, want, rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request(http.MethodGet, "/dashboard", "10.0.0.1:5555", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body DenialBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded, retry later", body.Error)
	assert.Equal(t, 2, body.Limit)
	assert.Equal(t, 0, body.Remaining)
	assert.Equal(t, 60, body.RetryAfterSeconds)
	assert.Equal(t, "2024-03-01T12:01:00Z", body.Reset)

	// a different address is unaffected
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request(http.MethodGet, "/dashboard", "10.0.0.2:5555", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuard_NoAddressNotControlled(t *testing.T) {
	g, _ := newTestGuard(t, 1)
	handler := Guard(g, DefaultGuardConfig())(ok)

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, request(http.MethodGet, "/", "not-an-address", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAuthOutcome_LocksOutAddress(t *testing.T) {
	g, engine := newTestGuard(t, 100)

	var seenBody string
	login := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		seenBody = string(data)
		if strings.Contains(seenBody, "hunter2") {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	handler := Guard(g, DefaultGuardConfig())(AuthOutcome(g, []string{"/api/auth/login"}, false)(login))

	attempt := func(password string) int {
		body := `{"username":"alice","password":"` + password + `"}`
		req := request(http.MethodPost, "/api/auth/login", "1.2.3.4:1000", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 4; i++ {
		assert.Equal(t, http.StatusUnauthorized, attempt("wrong"))
	}
	assert.Contains(t, seenBody, `"username":"alice"`)

	// success clears alice's counter
	assert.Equal(t, http.StatusOK, attempt("hunter2"))
	for i := 0; i < 4; i++ {
		attempt("wrong")
	}
	assert.False(t, engine.IsBlocked(context.Background(), "1.2.3.4"))

	assert.Equal(t, http.StatusUnauthorized, attempt("wrong"))
	assert.True(t, engine.IsBlocked(context.Background(), "1.2.3.4"))

	req := request(http.MethodGet, "/anything", "1.2.3.4:1000", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, rec.Body.String(), "temporarily blocked")
	assert.NotContains(t, rec.Body.String(), "alice")
}

func TestActorFromRequest(t *testing.T) {
	form := request(http.MethodPost, "/login", "1.2.3.4:1", strings.NewReader("email=bob%40example.com&password=x"))
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, "bob@example.com", actorFromRequest(form))
	require.NoError(t, form.ParseForm())
	assert.Equal(t, "x", form.PostForm.Get("password"))

	header := request(http.MethodPost, "/login", "1.2.3.4:1", nil)
	header.Header.Set(ActorHeader, "carol")
	assert.Equal(t, "carol", actorFromRequest(header))

	assert.True(t, isLoginPath("/login", []string{"/login"}))
	assert.True(t, isLoginPath("/login/sso", []string{"/login/"}))
	assert.False(t, isLoginPath("/loginx", []string{"/login"}))
}

func TestCSRF(t *testing.T) {
	store := csrf.NewStore(nil, time.Hour, nil)
	token, err := store.Issue(context.Background(), "session-1")
	require.NoError(t, err)
	handler := CSRF(store, "session")(ok)

	tests := []struct {
		name   string
		method string
		cookie string
		token  string
		status int
	}{
		{"safe method", http.MethodGet, "", "", http.StatusOK},
		{"valid token", http.MethodPost, "session-1", token, http.StatusOK},
		{"missing cookie", http.MethodPost, "", token, http.StatusForbidden},
		{"missing token", http.MethodDelete, "session-1", "", http.StatusForbidden},
		{"wrong session", http.MethodPut, "session-2", token, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(tt.method, "/settings", "1.2.3.4:1", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "session", Value: tt.cookie})
			}
			if tt.token != "" {
				req.Header.Set(CSRFHeader, tt.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestClientIP(t *testing.T) {
	req := request(http.MethodGet, "/", "10.0.0.1:1234", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.1")

	assert.Equal(t, "10.0.0.1", ClientIP(req, false))
	assert.Equal(t, "203.0.113.7", ClientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "198.51.100.1", ClientIP(req, true))

	assert.Equal(t, "::1", ClientIP(request(http.MethodGet, "/", "[::1]:80", nil), false))
	assert.Equal(t, "", ClientIP(request(http.MethodGet, "/", "garbage", nil), false))
}

func TestLogging_RequestID(t *testing.T) {
	handler := Logging(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, request(http.MethodGet, "/", "1.2.3.4:1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := request(http.MethodGet, "/", "1.2.3.4:1", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}
