// Package middleware wraps handlers with the guard checks, authentication
// outcome reporting, CSRF verification and request logging.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	httpclient "access-guard/internal/common/http"
	"access-guard/internal/guard"
)

// GuardConfig controls how requests map to guard.Request
type GuardConfig struct {
	TrustProxyHeaders bool
	// UserHeader and TenantHeader carry identities set by an upstream authenticator
	UserHeader   string
	TenantHeader string
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		UserHeader:   "X-User-ID",
		TenantHeader: "X-Tenant-ID",
	}
}

// DenialBody is written on 403 and 429
type DenialBody struct {
	Error             string `json:"error"`
	Limit             int    `json:"limit"`
	Remaining         int    `json:"remaining"`
	Reset             string `json:"reset"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

// RequestFor builds the guard request for r
func RequestFor(r *http.Request, g *guard.Guard, cfg GuardConfig) guard.Request {
	return guard.Request{
		Address:  ClientIP(r, cfg.TrustProxyHeaders),
		UserID:   r.Header.Get(cfg.UserHeader),
		TenantID: r.Header.Get(cfg.TenantHeader),
		Purpose:  g.Policies().Match(r.URL.Path),
	}
}

// Guard runs every request through g before next
func Guard(g *guard.Guard, cfg GuardConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Evaluate(r.Context(), RequestFor(r, g, cfg))
			if WriteDecision(w, d) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// WriteDecision sets the rate limit headers and, for a denial, writes the
// error response. It reports whether the request may proceed.
func WriteDecision(w http.ResponseWriter, d guard.Decision) bool {
	SetRateLimitHeaders(w, d)
	if d.Allowed {
		return true
	}

	w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	httpclient.WriteJSON(w, d.StatusCode, DenialBody{
		Error:             d.Reason,
		Limit:             d.Limit,
		Remaining:         d.Remaining,
		Reset:             d.ResetAt.UTC().Format(time.RFC3339),
		RetryAfterSeconds: d.RetryAfterSeconds,
	})
	return false
}

// SetRateLimitHeaders writes X-RateLimit-Limit, -Remaining and -Reset (unix seconds)
func SetRateLimitHeaders(w http.ResponseWriter, d guard.Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
