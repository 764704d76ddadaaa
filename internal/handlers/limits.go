package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/ratelimit"
)

// LimitState describes one window without recording a hit
type LimitState struct {
	Key     string           `json:"key"`
	Purpose string           `json:"purpose"`
	Window  string           `json:"window"`
	Result  ratelimit.Result `json:"result"`
	Events  []string         `json:"events"`
}

// GetLimit inspects the window stored under key. The purpose query parameter
// selects the policy the window is read with.
// @Summary Inspect a rate limit window
// @Tags ratelimit
// @Produce json
// @Security BearerAuth
// @Param key path string true "Window key, e.g. ratelimit:10.0.0.1"
// @Param purpose query string false "Policy purpose"
// @Success 200 {object} LimitState
// @Failure 503 {object} httpclient.ErrorBody "Window store unavailable"
// @Router /api/v1/limits/{key} [get]
func (h *Handlers) GetLimit(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	policy := h.guard.Policies().Policy(r.URL.Query().Get("purpose"))

	result, err := h.limiter.Peek(r.Context(), key, policy)
	if err != nil {
		httpclient.WriteError(w, err)
		return
	}
	events, err := h.limiter.Events(r.Context(), key, policy)
	if err != nil {
		httpclient.WriteError(w, err)
		return
	}

	httpclient.WriteJSON(w, http.StatusOK, LimitState{
		Key:     key,
		Purpose: policy.Purpose,
		Window:  policy.Window.String(),
		Result:  result,
		Events: lo.Map(events, func(t time.Time, _ int) string {
			return t.UTC().Format(time.RFC3339Nano)
		}),
	})
}

// ResetLimit clears the window stored under key
// @Summary Reset a rate limit window
// @Tags ratelimit
// @Security BearerAuth
// @Param key path string true "Window key"
// @Success 204
// @Failure 404 {object} httpclient.ErrorBody "No window for key"
// @Router /api/v1/limits/{key} [delete]
func (h *Handlers) ResetLimit(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	removed, err := h.limiter.Reset(r.Context(), key)
	if err != nil {
		httpclient.WriteError(w, err)
		return
	}
	if !removed {
		httpclient.WriteError(w, errors.NotFoundError("window"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateQuota drops the cached quota decision for a tenant
// @Summary Invalidate a cached quota decision
// @Tags quota
// @Security BearerAuth
// @Param tenant path string true "Tenant ID"
// @Success 204
// @Failure 404 {object} httpclient.ErrorBody "Quota checks disabled"
// @Router /api/v1/quota/{tenant}/invalidate [post]
func (h *Handlers) InvalidateQuota(w http.ResponseWriter, r *http.Request) {
	if h.quota == nil {
		httpclient.WriteError(w, errors.NotFoundError("quota"))
		return
	}
	tenant := mux.Vars(r)["tenant"]

	if err := h.quota.Invalidate(r.Context(), tenant); err != nil {
		httpclient.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
