package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/server/handler"
	"github.com/alanyoungcy/polyarb/internal/service"
)

type fakeRisk struct {
	state  domain.RiskState
	resets []string
}

func (f *fakeRisk) State() domain.RiskState { return f.state }

func (f *fakeRisk) ResetBreaker(reason string) {
	f.resets = append(f.resets, reason)
	f.state.Breaker = domain.BreakerState{}
}

type fakeStats struct {
	opts   domain.ListOpts
	window time.Duration
	err    error
}

func (f *fakeStats) Summary(_ context.Context, window time.Duration) (service.Stats, error) {
	f.window = window
	return service.Stats{TotalTrades: 3, NetProfit: decimal.RequireFromString("1.5")}, f.err
}

func (f *fakeStats) Recent(_ context.Context, opts domain.ListOpts) ([]domain.TradeResult, error) {
	f.opts = opts
	return []domain.TradeResult{{ID: "t-1", Status: domain.TradeSuccess}}, f.err
}

type fakeTrades struct {
	domain.TradeResultStore
}

func (fakeTrades) GetByID(_ context.Context, id string) (domain.TradeResult, error) {
	if id == "t-1" {
		return domain.TradeResult{ID: "t-1"}, nil
	}
	return domain.TradeResult{}, domain.ErrNotFound
}

type fakeAudit struct {
	domain.AuditStore
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

type denyLimiter struct{ calls int }

func (l *denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	l.calls++
	return l.calls <= 1, nil
}

func (l *denyLimiter) Wait(context.Context, string) error { return nil }

type harness struct {
	srv   *Server
	risk  *fakeRisk
	stats *fakeStats
	audit *fakeAudit
}

func newHarness(t *testing.T, cfg Config, checks map[string]handler.Check, limiter domain.RateLimiter) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		risk:  &fakeRisk{state: domain.RiskState{Breaker: domain.BreakerState{Open: true, Reason: "5 consecutive losses"}}},
		stats: &fakeStats{},
		audit: &fakeAudit{},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "polyarb_up 1\n")
	})
	h.srv = NewServer(cfg, Handlers{
		Health:  handler.NewHealthHandler(checks, logger),
		Risk:    handler.NewRiskHandler(h.risk, h.audit, logger),
		Trades:  handler.NewTradeHandler(h.stats, fakeTrades{}, logger),
		Status:  handler.NewStatusHandler("full", time.Now(), h.risk),
		Metrics: metrics,
	}, nil, limiter, logger)
	return h
}

func (h *harness) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Config{}, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
	}, nil)
	rec := h.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealth_Degraded(t *testing.T) {
	h := newHarness(t, Config{}, map[string]handler.Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, nil)
	rec := h.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "ok", deps["postgres"])
	assert.Equal(t, "connection refused", deps["redis"])
}

func TestAuth(t *testing.T) {
	h := newHarness(t, Config{APIKey: "s3cret"}, nil, nil)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/metrics", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/risk", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		h.do(http.MethodGet, "/api/risk", "", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		h.do(http.MethodGet, "/api/risk", "", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK,
		h.do(http.MethodGet, "/api/risk", "", map[string]string{"X-API-Key": "s3cret"}).Code)
}

func TestRiskState(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	rec := h.do(http.MethodGet, "/api/risk", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st domain.RiskState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Breaker.Open)
}

func TestRiskReset(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	rec := h.do(http.MethodPost, "/api/risk/reset", `{"reason":"operator checked fills"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["was_open"])
	assert.Equal(t, []string{"operator checked fills"}, h.risk.resets)
	assert.Equal(t, []string{"risk.manual_reset"}, h.audit.events)

	rec = h.do(http.MethodPost, "/api/risk/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["was_open"])
	assert.Equal(t, "api", h.risk.resets[1])

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/risk/reset", "{", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodGet, "/api/risk/reset", "", nil).Code)
}

func TestListTrades(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	rec := h.do(http.MethodGet, "/api/trades?asset=btc&status=partial_fill&limit=1000&offset=10&since=2h", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 500, h.stats.opts.Limit)
	assert.Equal(t, 10, h.stats.opts.Offset)
	assert.Equal(t, domain.Asset("BTC"), h.stats.opts.Asset)
	assert.Equal(t, domain.TradePartialFill, h.stats.opts.Status)
	require.NotNil(t, h.stats.opts.Since)
	assert.WithinDuration(t, time.Now().Add(-2*time.Hour), *h.stats.opts.Since, time.Minute)

	trades := decode(t, rec)["trades"].([]any)
	assert.Len(t, trades, 1)
}

func TestListTrades_BadParams(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	for _, q := range []string{"limit=-1", "offset=x", "status=won", "since=yesterday"} {
		rec := h.do(http.MethodGet, "/api/trades?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetTrade(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/trades/t-1", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/trades/nope", "", nil).Code)
}

func TestStats(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	rec := h.do(http.MethodGet, "/api/stats?window=1h", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Hour, h.stats.window)
	assert.Equal(t, "1.5", decode(t, rec)["net_profit"])

	h.do(http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, 24*time.Hour, h.stats.window)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/stats?window=-1h", "", nil).Code)

	h.stats.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodGet, "/api/stats", "", nil).Code)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	rec := h.do(http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "full", body["mode"])
	assert.Equal(t, true, body["breaker_open"])
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateWindow: time.Second}, nil, &denyLimiter{})
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/risk", "", nil).Code)
	rec := h.do(http.MethodGet, "/api/risk", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, Config{CORSOrigins: []string{"https://dash.example"}, APIKey: "k"}, nil, nil)
	rec := h.do(http.MethodOptions, "/api/risk", "", map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(http.MethodOptions, "/api/risk", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
