// Package metrics exports engine telemetry as Prometheus collectors on a
// dedicated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/polyarb/internal/arbitrage"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/fee"
)

const namespace = "polyarb"

// Collectors holds every engine metric. It implements service.MetricsSink.
type Collectors struct {
	reg *prometheus.Registry

	trades        *prometheus.CounterVec
	tradeDuration prometheus.Histogram
	realizedPnL   prometheus.Gauge
	legs          *prometheus.CounterVec
	legLatency    prometheus.Histogram

	balance           prometheus.Gauge
	drawdown          prometheus.Gauge
	breakerOpen       prometheus.Gauge
	conservative      prometheus.Gauge
	consecutiveLosses prometheus.Gauge
	heatLimit         prometheus.Gauge
	exposure          *prometheus.GaugeVec
	openPositions     *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Collectors {
	c := &Collectors{
		reg: prometheus.NewRegistry(),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Arbitrage attempts that reached the exchange, by outcome.",
		}, []string{"status", "asset"}),
		tradeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Time from submission of both legs to a terminal outcome.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_usd",
			Help:      "Net realized profit since process start.",
		}),
		legs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legs_total",
			Help:      "Submitted legs by terminal order status.",
		}, []string{"status"}),
		legLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leg_latency_seconds",
			Help:      "Time from submitting one leg to its terminal state.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance_usd",
			Help:      "Current balance tracked by the risk manager.",
		}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_drawdown_ratio",
			Help:      "Loss since day start as a fraction of the day-start balance.",
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the circuit breaker is open.",
		}),
		conservative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conservative_mode",
			Help:      "1 while conservative mode is active.",
		}),
		consecutiveLosses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_losses",
			Help:      "Current losing streak.",
		}),
		heatLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heat_limit_ratio",
			Help:      "Adaptive heat limit currently in force.",
		}),
		exposure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exposure_usd",
			Help:      "Open notional by asset.",
		}, []string{"asset"}),
		openPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Open positions by asset.",
		}, []string{"asset"}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.trades, c.tradeDuration, c.realizedPnL, c.legs, c.legLatency,
		c.balance, c.drawdown, c.breakerOpen, c.conservative,
		c.consecutiveLosses, c.heatLimit, c.exposure, c.openPositions,
	)
	return c
}

// Registry returns the registry backing the collectors.
func (c *Collectors) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ObserveTrade records one trade result.
func (c *Collectors) ObserveTrade(r domain.TradeResult) {
	c.trades.WithLabelValues(string(r.Status), string(r.Asset)).Inc()
	if !r.StartedAt.IsZero() && r.CompletedAt.After(r.StartedAt) {
		c.tradeDuration.Observe(r.CompletedAt.Sub(r.StartedAt).Seconds())
	}
	c.realizedPnL.Add(r.NetProfit.InexactFloat64())
	for _, leg := range []domain.LegFill{r.LegA, r.LegB} {
		if leg.Status != "" {
			c.legs.WithLabelValues(string(leg.Status)).Inc()
		}
		if leg.Latency > 0 {
			c.legLatency.Observe(leg.Latency.Seconds())
		}
	}
}

// ObserveRisk records a risk-state snapshot.
func (c *Collectors) ObserveRisk(s domain.RiskState) {
	c.balance.Set(s.CurrentBalance.InexactFloat64())
	if s.StartingBalance.IsPositive() && s.CurrentBalance.LessThan(s.StartingBalance) {
		c.drawdown.Set(s.StartingBalance.Sub(s.CurrentBalance).Div(s.StartingBalance).InexactFloat64())
	} else {
		c.drawdown.Set(0)
	}
	c.breakerOpen.Set(boolGauge(s.Breaker.Open))
	c.conservative.Set(boolGauge(s.Conservative.Active))
	c.consecutiveLosses.Set(float64(s.Performance.ConsecutiveLosses))
	c.heatLimit.Set(s.Thresholds.HeatLimit.InexactFloat64())

	c.exposure.Reset()
	for asset, v := range s.Exposure {
		c.exposure.WithLabelValues(string(asset)).Set(v.InexactFloat64())
	}
	c.openPositions.Reset()
	for asset, n := range s.OpenPositions {
		c.openPositions.WithLabelValues(string(asset)).Set(float64(n))
	}
}

// RegisterScanner exports the scanner's counters, read at scrape time.
func (c *Collectors) RegisterScanner(stats func() arbitrage.ScannerStats) {
	c.reg.MustRegister(&scannerCollector{stats: stats})
}

// RegisterFeeCache exports the fee memo-cache counters, read at scrape time.
func (c *Collectors) RegisterFeeCache(stats func() fee.Stats) {
	c.reg.MustRegister(&feeCollector{stats: stats})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
