package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/arbitrage"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/fee"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestObserveTrade(t *testing.T) {
	c := New()
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c.ObserveTrade(domain.TradeResult{
		Status: domain.TradeSuccess, Asset: "BTC", NetProfit: d("0.25"),
		LegA:      domain.LegFill{Status: domain.OrderStatusMatched, Latency: 120 * time.Millisecond},
		LegB:      domain.LegFill{Status: domain.OrderStatusMatched, Latency: 250 * time.Millisecond},
		StartedAt: start, CompletedAt: start.Add(300 * time.Millisecond),
	})
	c.ObserveTrade(domain.TradeResult{
		Status: domain.TradePartialFill, Asset: "BTC", NetProfit: d("-1"),
		LegA: domain.LegFill{Status: domain.OrderStatusMatched},
		LegB: domain.LegFill{Status: domain.OrderStatusCancelled},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.trades.WithLabelValues("success", "BTC")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.trades.WithLabelValues("partial_fill", "BTC")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.legs.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.legs.WithLabelValues("cancelled")))
	assert.InDelta(t, -0.75, testutil.ToFloat64(c.realizedPnL), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(c.tradeDuration))

	var m dto.Metric
	require.NoError(t, c.legLatency.Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
	assert.InDelta(t, 0.37, m.GetHistogram().GetSampleSum(), 1e-9)
}

func TestObserveRisk(t *testing.T) {
	c := New()
	c.ObserveRisk(domain.RiskState{
		StartingBalance: d("1000"),
		CurrentBalance:  d("950"),
		Breaker:         domain.BreakerState{Open: true},
		Performance:     domain.Performance{ConsecutiveLosses: 3},
		Thresholds:      domain.Thresholds{HeatLimit: d("0.1")},
		Exposure:        map[domain.Asset]decimal.Decimal{"BTC": d("40"), "ETH": d("10")},
		OpenPositions:   map[domain.Asset]int{"BTC": 2},
	})

	assert.InDelta(t, 950, testutil.ToFloat64(c.balance), 1e-9)
	assert.InDelta(t, 0.05, testutil.ToFloat64(c.drawdown), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerOpen))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.conservative))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.consecutiveLosses))
	assert.Equal(t, 40.0, testutil.ToFloat64(c.exposure.WithLabelValues("BTC")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.exposure))

	c.ObserveRisk(domain.RiskState{StartingBalance: d("1000"), CurrentBalance: d("1010")})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.drawdown))
	assert.Equal(t, 0, testutil.CollectAndCount(c.exposure))
}

func TestScrapeIncludesFuncCollectors(t *testing.T) {
	c := New()
	c.RegisterScanner(func() arbitrage.ScannerStats { return arbitrage.ScannerStats{Received: 7, Busy: 2} })
	c.RegisterFeeCache(func() fee.Stats { return fee.Stats{Hits: 5, Misses: 1, Size: 1} })

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(b)

	assert.True(t, strings.Contains(body, `polyarb_scanner_snapshots_total{result="received"} 7`), body)
	assert.Contains(t, body, `polyarb_scanner_snapshots_total{result="busy"} 2`)
	assert.Contains(t, body, `polyarb_fee_cache_lookups_total{result="hit"} 5`)
	assert.Contains(t, body, `polyarb_fee_cache_entries 1`)
	assert.Contains(t, body, "go_goroutines")
}
