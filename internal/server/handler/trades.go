package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/service"
)

// StatsSource is the read side of the stats service.
type StatsSource interface {
	Summary(ctx context.Context, window time.Duration) (service.Stats, error)
	Recent(ctx context.Context, opts domain.ListOpts) ([]domain.TradeResult, error)
}

// TradeHandler serves trade history and statistics.
type TradeHandler struct {
	stats  StatsSource
	trades domain.TradeResultStore
	now    func() time.Time
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(stats StatsSource, trades domain.TradeResultStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{stats: stats, trades: trades, now: time.Now, logger: logger}
}

type listTradesResponse struct {
	Trades []domain.TradeResult `json:"trades"`
}

// ListTrades returns recent trade results, newest first.
// GET /api/trades?limit=50&offset=0&asset=BTC&status=success&since=24h
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r, h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := h.stats.Recent(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if results == nil {
		results = []domain.TradeResult{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: results})
}

// GetTrade returns one trade result.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := h.trades.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get trade failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get trade")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Stats returns aggregated statistics over a trailing window.
// GET /api/stats?window=24h
func (h *TradeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window parameter")
			return
		}
		window = d
	}
	st, err := h.stats.Summary(r.Context(), window)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: stats failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
