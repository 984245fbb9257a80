package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MetricsSink receives trade results and risk snapshots for exporting.
type MetricsSink interface {
	ObserveTrade(result domain.TradeResult)
	ObserveRisk(state domain.RiskState)
}

// RecorderDeps groups the optional sinks of a TradeRecorder.
type RecorderDeps struct {
	Trades    domain.TradeResultStore
	Audit     domain.AuditStore
	Bus       domain.SignalBus
	RiskCache domain.RiskStateCache
	Notifier  Notifier
	Metrics   MetricsSink
}

type recordKind int

const (
	recordTrade recordKind = iota
	recordRisk
)

type record struct {
	kind  recordKind
	trade domain.TradeResult
	event domain.RiskEvent
	state domain.RiskState
}

// TradeRecorder implements domain.Telemetry. Calls enqueue onto a buffered
// channel and return immediately; a single worker fans records out to the
// store, the signal bus, the notifier and metrics. When the buffer is full
// the record is dropped.
type TradeRecorder struct {
	deps    RecorderDeps
	queue   chan record
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	dropped uint64
}

// NewTradeRecorder creates a recorder with the given queue capacity.
func NewTradeRecorder(deps RecorderDeps, capacity int, logger *slog.Logger) *TradeRecorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &TradeRecorder{
		deps:    deps,
		queue:   make(chan record, capacity),
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "trade_recorder")),
	}
}

// RecordTrade enqueues a trade result.
func (r *TradeRecorder) RecordTrade(ctx context.Context, result domain.TradeResult) {
	r.enqueue(ctx, record{kind: recordTrade, trade: result})
}

// RecordRiskEvent enqueues a risk transition with the state after it.
func (r *TradeRecorder) RecordRiskEvent(ctx context.Context, event domain.RiskEvent, state domain.RiskState) {
	r.enqueue(ctx, record{kind: recordRisk, event: event, state: state})
}

// Dropped returns the number of records dropped on a full queue.
func (r *TradeRecorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *TradeRecorder) enqueue(ctx context.Context, rec record) {
	select {
	case r.queue <- rec:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.logger.WarnContext(ctx, "telemetry queue full, record dropped",
			slog.Int("kind", int(rec.kind)),
			slog.String("trade_id", rec.trade.ID),
		)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (r *TradeRecorder) Run(ctx context.Context) error {
	r.logger.Info("trade recorder started")
	defer r.logger.Info("trade recorder stopped")
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		case rec := <-r.queue:
			r.handle(ctx, rec)
		}
	}
}

func (r *TradeRecorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.handle(ctx, rec)
		default:
			return
		}
	}
}

func (r *TradeRecorder) handle(ctx context.Context, rec record) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	switch rec.kind {
	case recordTrade:
		r.handleTrade(ctx, rec.trade)
	case recordRisk:
		r.handleRisk(ctx, rec.event, rec.state)
	}
}

func (r *TradeRecorder) handleTrade(ctx context.Context, t domain.TradeResult) {
	if r.deps.Trades != nil {
		if err := r.deps.Trades.Create(ctx, t); err != nil {
			r.warn(ctx, "persist trade", err, t.ID)
		}
	}
	if r.deps.Bus != nil {
		payload, err := json.Marshal(t)
		if err != nil {
			r.warn(ctx, "marshal trade", err, t.ID)
		} else {
			if err := r.deps.Bus.Publish(ctx, domain.ChannelTrades, payload); err != nil {
				r.warn(ctx, "publish trade", err, t.ID)
			}
			if err := r.deps.Bus.StreamAppend(ctx, domain.StreamTrades, payload); err != nil {
				r.warn(ctx, "stream trade", err, t.ID)
			}
		}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveTrade(t)
	}
	if r.deps.Notifier != nil {
		switch t.Status {
		case domain.TradePartialFill:
			msg := fmt.Sprintf("market %s (%s)\nexposure %s\n%s", t.MarketID, t.Asset, t.ActualCost.StringFixed(4), t.FailureReason)
			r.notify(ctx, "partial_fill", "PARTIAL FILL: unhedged position", msg)
		case domain.TradeSuccess:
			msg := fmt.Sprintf("market %s (%s)\nsize %s net %s", t.MarketID, t.Asset, t.Size, t.NetProfit.StringFixed(4))
			r.notify(ctx, "trade_success", "Arbitrage filled", msg)
		}
	}
}

func (r *TradeRecorder) handleRisk(ctx context.Context, ev domain.RiskEvent, st domain.RiskState) {
	if r.deps.Audit != nil {
		detail := map[string]any{"reason": ev.Reason}
		for k, v := range ev.Detail {
			detail[k] = v
		}
		if err := r.deps.Audit.Log(ctx, "risk."+string(ev.Type), detail); err != nil {
			r.warn(ctx, "audit risk event", err, "")
		}
	}
	if r.deps.RiskCache != nil {
		if err := r.deps.RiskCache.Save(ctx, st); err != nil {
			r.warn(ctx, "cache risk state", err, "")
		}
	}
	if r.deps.Bus != nil {
		payload, err := json.Marshal(domain.RiskEnvelope{Event: ev, State: st})
		if err == nil {
			err = r.deps.Bus.Publish(ctx, domain.ChannelRisk, payload)
		}
		if err != nil {
			r.warn(ctx, "publish risk event", err, "")
		}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveRisk(st)
	}
	if r.deps.Notifier != nil {
		switch ev.Type {
		case domain.RiskEventBreakerOpen:
			r.notify(ctx, "breaker_open", "Circuit breaker OPEN",
				fmt.Sprintf("%s\nuntil %s", ev.Reason, st.Breaker.CooldownUntil.UTC().Format(time.RFC3339)))
		case domain.RiskEventBreakerClosed:
			r.notify(ctx, "breaker_closed", "Circuit breaker closed", ev.Reason)
		case domain.RiskEventConservativeOn:
			r.notify(ctx, "conservative_on", "Conservative mode ON",
				fmt.Sprintf("balance %s of %s", st.CurrentBalance.StringFixed(2), st.Conservative.StartingBalance.StringFixed(2)))
		}
	}
}

func (r *TradeRecorder) notify(ctx context.Context, event, title, msg string) {
	if err := r.deps.Notifier.Notify(ctx, event, title, msg); err != nil {
		r.warn(ctx, "notify "+event, err, "")
	}
}

func (r *TradeRecorder) warn(ctx context.Context, op string, err error, tradeID string) {
	r.logger.WarnContext(ctx, "trade recorder: "+op+" failed",
		slog.String("trade_id", tradeID),
		slog.String("error", err.Error()),
	)
}
