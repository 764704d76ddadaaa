package handlers

import (
	"context"
	"net/http"
	"time"

	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/common/logging"
	"access-guard/internal/common/utils"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version,omitempty"`
	Redis        string `json:"redis"`
	QuotaBreaker string `json:"quota_breaker,omitempty"`
}

// HealthCheck reports liveness and Redis reachability
// @Summary Health check
// @Description Returns service status; 503 when the shared Redis store is unreachable
// @Tags system
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: h.version, Redis: "disabled"}
	status := http.StatusOK

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.redis.Health(ctx); err != nil {
			h.logger.Warn("Redis health check failed", logging.Err(err))
			resp.Status = "degraded"
			resp.Redis = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Redis = "ok"
		}
	}
	if h.quota != nil {
		resp.QuotaBreaker = h.quota.BreakerState().State
	}

	httpclient.WriteJSON(w, status, resp)
}

// CSRFToken is returned by GET /api/v1/csrf
type CSRFToken struct {
	Token  string `json:"token"`
	Header string `json:"header"`
}

// IssueCSRFToken binds a fresh token to the caller's session cookie.
// Session ids are only accepted when this guard issued them; any other
// cookie value is replaced with a new server-generated id.
// @Summary Issue a CSRF token
// @Tags csrf
// @Produce json
// @Success 200 {object} CSRFToken
// @Failure 404 {object} httpclient.ErrorBody "CSRF protection disabled"
// @Router /api/v1/csrf [get]
func (h *Handlers) IssueCSRFToken(w http.ResponseWriter, r *http.Request) {
	if h.csrf == nil {
		httpclient.WriteError(w, errors.NotFoundError("csrf"))
		return
	}

	var sessionID string
	if cookie, err := r.Cookie(h.sessionCookie); err == nil && h.csrf.Known(r.Context(), cookie.Value) {
		sessionID = cookie.Value
	} else {
		id, err := utils.GenerateToken(32)
		if err != nil {
			httpclient.WriteError(w, errors.InternalError("failed to create session", err))
			return
		}
		sessionID = id
		http.SetCookie(w, &http.Cookie{
			Name:     h.sessionCookie,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteStrictMode,
		})
	}

	token, err := h.csrf.Issue(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to issue CSRF token", err)
		httpclient.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpclient.WriteJSON(w, http.StatusOK, CSRFToken{Token: token, Header: "X-CSRF-Token"})
}
