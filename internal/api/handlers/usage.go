// Package handlers contains the HTTP handler implementations for the
// metergate API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"metergate/internal/core"
	"metergate/internal/types"
)

// UsageGate is the read-only decision surface. Implemented by usage.Gate.
type UsageGate interface {
	Check(ctx context.Context, userID, meterID string, quantity int64, planID string) (*types.GateResult, error)
}

// UsageRecorder is the write path. Implemented by usage.Recorder.
type UsageRecorder interface {
	Record(ctx context.Context, userID, meterID string, quantity int64, metadata map[string]string) error
}

// UsageHandler exposes the gate and recorder over HTTP.
type UsageHandler struct {
	gate     UsageGate
	recorder UsageRecorder
	logger   *slog.Logger
}

// NewUsageHandler creates a UsageHandler with the given dependencies.
func NewUsageHandler(gate UsageGate, recorder UsageRecorder, logger *slog.Logger) *UsageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageHandler{gate: gate, recorder: recorder, logger: logger}
}

// RegisterRoutes mounts the usage endpoints.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/usage/check", h.Check)
	r.Post("/usage/record", h.Record)
}

type checkUsageRequest struct {
	UserID   string `json:"userId"`
	Meter    string `json:"meter"`
	Quantity int64  `json:"quantity,omitempty"`
	Plan     string `json:"plan,omitempty"`
}

type recordUsageRequest struct {
	UserID   string            `json:"userId"`
	Meter    string            `json:"meter"`
	Quantity int64             `json:"quantity,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type recordUsageResponse struct {
	OK bool `json:"ok"`
}

// Check evaluates the gate without consuming quota.
// POST /api/usage/check {userId, meter, quantity?, plan?} -> GateResult
func (h *UsageHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req checkUsageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.UserID == "" || req.Meter == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"userId and meter are required",
			nil,
		))
		return
	}

	result, err := h.gate.Check(r.Context(), req.UserID, req.Meter, req.Quantity, req.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, result)
}

// Record appends consumed usage. Enforcement is the caller's responsibility
// via Check; this endpoint never rejects for being over limit.
// POST /api/usage/record {userId, meter, quantity?, metadata?} -> {ok:true}
func (h *UsageHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.UserID == "" || req.Meter == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"userId and meter are required",
			nil,
		))
		return
	}

	if err := h.recorder.Record(r.Context(), req.UserID, req.Meter, req.Quantity, req.Metadata); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, recordUsageResponse{OK: true})
}
