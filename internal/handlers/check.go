package handlers

import (
	"net/http"
	"strconv"

	httpclient "access-guard/internal/common/http"
	"access-guard/internal/guard"
	"access-guard/internal/middleware"
)

// Check evaluates a request without proxying anything. The response status
// mirrors the decision so the endpoint works as a forward-auth target.
// @Summary Evaluate a request
// @Description Runs the lockout, rate limit and quota checks for the given identity
// @Tags decisions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body guard.Request true "Caller identity"
// @Success 200 {object} guard.Decision "Allowed or degraded"
// @Failure 400 {object} httpclient.ErrorBody "Invalid request"
// @Failure 403 {object} guard.Decision "Address is locked out"
// @Failure 429 {object} guard.Decision "Rate limit or quota exceeded"
// @Router /api/v1/check [post]
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req guard.Request
	if err := decode(r, &req); err != nil {
		httpclient.WriteError(w, err)
		return
	}

	d := h.guard.Evaluate(r.Context(), req)
	middleware.SetRateLimitHeaders(w, d)
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
	httpclient.WriteJSON(w, d.StatusCode, d)
}

// AuthEventRequest reports the result of a login attempt made elsewhere
type AuthEventRequest struct {
	Address string `json:"address" validate:"required,ip_address"`
	Actor   string `json:"actor,omitempty" validate:"max=256"`
	Success bool   `json:"success"`
}

// AuthEvent feeds an authentication outcome into the lockout engine
// @Summary Report an authentication outcome
// @Tags lockout
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param event body AuthEventRequest true "Outcome"
// @Success 200 {object} lockout.AttemptResult
// @Failure 400 {object} httpclient.ErrorBody "Invalid request"
// @Router /api/v1/auth-events [post]
func (h *Handlers) AuthEvent(w http.ResponseWriter, r *http.Request) {
	var req AuthEventRequest
	if err := decode(r, &req); err != nil {
		httpclient.WriteError(w, err)
		return
	}

	result := h.guard.ReportAuthOutcome(r.Context(), req.Address, req.Actor, req.Success)
	httpclient.WriteJSON(w, http.StatusOK, result)
}
