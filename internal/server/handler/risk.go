package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// RiskView exposes the risk manager to the API.
type RiskView interface {
	State() domain.RiskState
	ResetBreaker(reason string)
}

// RiskHandler serves the risk endpoints.
type RiskHandler struct {
	risk   RiskView
	audit  domain.AuditStore // optional
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler. audit may be nil.
func NewRiskHandler(risk RiskView, audit domain.AuditStore, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{risk: risk, audit: audit, logger: logger}
}

// GetState returns the current risk state.
// GET /api/risk
func (h *RiskHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.risk.State())
}

type resetRequest struct {
	Reason string `json:"reason"`
}

// Reset closes the circuit breaker manually.
// POST /api/risk/reset {"reason": "..."}
func (h *RiskHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		req.Reason = "api"
	}

	wasOpen := h.risk.State().Breaker.Open
	h.risk.ResetBreaker(req.Reason)
	st := h.risk.State()

	h.logger.InfoContext(r.Context(), "circuit breaker reset requested",
		slog.String("reason", req.Reason),
		slog.Bool("was_open", wasOpen),
	)
	if h.audit != nil {
		if err := h.audit.Log(r.Context(), "risk.manual_reset", map[string]any{
			"reason":   req.Reason,
			"was_open": wasOpen,
		}); err != nil {
			h.logger.WarnContext(r.Context(), "audit manual reset failed", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"was_open": wasOpen,
		"breaker":  st.Breaker,
	})
}
