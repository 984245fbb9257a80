package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// StatusHandler serves the engine status summary for dashboards.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	risk      RiskView
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, risk RiskView) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, risk: risk}
}

// Status builds the current BotStatus.
func (h *StatusHandler) Status() domain.BotStatus {
	st := h.risk.State()
	return domain.BotStatus{
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		BreakerOpen:   st.Breaker.Open,
		Conservative:  st.Conservative.Active,
		TotalTrades:   st.Performance.TotalTrades,
	}
}

// GetStatus responds with the engine status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Status())
}
