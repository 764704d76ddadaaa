package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"access-guard/internal/common/errors"
	httpclient "access-guard/internal/common/http"
	"access-guard/internal/common/logging"
	"access-guard/internal/common/validation"
	"access-guard/internal/lockout"
)

// BlockList is returned by GET /api/v1/blocks
type BlockList struct {
	Blocks []lockout.BlockEntry `json:"blocks"`
	Count  int                  `json:"count"`
}

// ListBlocks returns every active block
// @Summary List active blocks
// @Tags lockout
// @Produce json
// @Security BearerAuth
// @Success 200 {object} BlockList
// @Failure 503 {object} httpclient.ErrorBody "Block store unavailable"
// @Router /api/v1/blocks [get]
func (h *Handlers) ListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.lockout.ListBlocks(r.Context())
	if err != nil {
		h.logger.Error("Failed to list blocks", err)
		httpclient.WriteError(w, err)
		return
	}
	if blocks == nil {
		blocks = []lockout.BlockEntry{}
	}
	httpclient.WriteJSON(w, http.StatusOK, BlockList{Blocks: blocks, Count: len(blocks)})
}

// BlockRequest creates a manual block. Duration is a Go duration string and
// defaults to the configured lockout duration.
type BlockRequest struct {
	Address  string `json:"address" validate:"required,ip_address"`
	Reason   string `json:"reason,omitempty" validate:"max=512"`
	Duration string `json:"duration,omitempty"`
}

// CreateBlock blocks an address by hand
// @Summary Block an address
// @Tags lockout
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param block body BlockRequest true "Block"
// @Success 201 {object} lockout.BlockEntry
// @Failure 400 {object} httpclient.ErrorBody "Invalid request"
// @Router /api/v1/blocks [post]
func (h *Handlers) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := decode(r, &req); err != nil {
		httpclient.WriteError(w, err)
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			httpclient.WriteError(w, errors.ValidationError("duration must be a positive duration such as 30m"))
			return
		}
		duration = d
	}
	reason := req.Reason
	if subject := logging.SubjectFromContext(r.Context()); reason == "" && subject != "" {
		reason = "blocked by " + subject
	}

	entry, err := h.lockout.Block(r.Context(), req.Address, reason, duration)
	if err != nil {
		httpclient.WriteError(w, err)
		return
	}
	h.logger.WithContext(r.Context()).Info("Manual block created",
		logging.Field{Key: "address", Value: entry.IP},
		logging.Field{Key: "expires_at", Value: entry.ExpiresAt},
	)
	httpclient.WriteJSON(w, http.StatusCreated, entry)
}

// DeleteBlock lifts a block
// @Summary Unblock an address
// @Tags lockout
// @Security BearerAuth
// @Param address path string true "IP address"
// @Success 204
// @Failure 400 {object} httpclient.ErrorBody "Invalid address"
// @Failure 404 {object} httpclient.ErrorBody "No active block"
// @Router /api/v1/blocks/{address} [delete]
func (h *Handlers) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := validation.Var(address, "required,ip_address"); err != nil {
		httpclient.WriteError(w, err)
		return
	}

	removed, err := h.lockout.Unblock(r.Context(), address)
	if err != nil {
		httpclient.WriteError(w, err)
		return
	}
	if !removed {
		httpclient.WriteError(w, errors.NotFoundError("block"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
