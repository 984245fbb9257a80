package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Manager is the single owner of the risk state. Every mutation goes through
// a FIFO sequencer so calls are applied in arrival order. Gate calls never
// fail: they return a domain.Decision.
type Manager struct {
	cfg         Config
	tiers       tierTable
	correlation *Correlation
	now         func() time.Time
	telemetry   domain.Telemetry
	logger      *slog.Logger

	thresholds atomic.Pointer[domain.Thresholds]
	seq        *sequencer

	// Guarded by seq.
	starting     decimal.Decimal
	balance      decimal.Decimal
	perf         domain.Performance
	breaker      breaker
	conservative conservative
	positions    map[domain.Asset]int
	exposure     map[domain.Asset]decimal.Decimal
	dayStart     time.Time
	nextReset    time.Time
	updatedAt    time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTelemetry registers a sink for risk transitions.
func WithTelemetry(t domain.Telemetry) Option {
	return func(m *Manager) { m.telemetry = t }
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	corr := NewCorrelation(cfg.Correlations, cfg.DefaultCorrelation,
		cfg.MaxSingleExposure, cfg.MaxCorrelatedExposure)
	m := &Manager{
		cfg:         cfg,
		tiers:       newTierTable(cfg.Tiers),
		correlation: corr,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "risk_manager")),
		seq:         newSequencer(),
		starting:    cfg.StartingBalance,
		balance:     cfg.StartingBalance,
		positions:   make(map[domain.Asset]int),
		exposure:    make(map[domain.Asset]decimal.Decimal),
		conservative: conservative{
			on:  cfg.ConservativeOn,
			off: cfg.ConservativeOff,
			state: domain.ConservativeState{
				StartingBalance: cfg.StartingBalance,
				MinConfidence:   cfg.MinConfidence,
			},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	base := cfg.Base
	m.thresholds.Store(&base)
	now := m.now()
	m.dayStart = startOfDay(now)
	m.nextReset = m.dayStart.Add(24 * time.Hour)
	m.updatedAt = now
	return m
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Thresholds returns the thresholds currently in force. The value is
// swapped as a whole, so the fields are always mutually consistent.
func (m *Manager) Thresholds() domain.Thresholds {
	return *m.thresholds.Load()
}

// BreakerOpen reports whether the circuit breaker is open, after applying
// any due auto-reset.
func (m *Manager) BreakerOpen() bool {
	return m.State().Breaker.Open
}

// ConservativeActive reports whether conservative mode is on.
func (m *Manager) ConservativeActive() bool {
	return m.State().Conservative.Active
}

// State returns a copy of the full risk state after applying any due
// auto-reset or daily reset.
func (m *Manager) State() domain.RiskState {
	m.seq.lock()
	events := m.tickLocked(m.now())
	st := m.snapshotLocked()
	m.seq.unlock()
	m.emit(events, st)
	return st
}

// Check is the read-only pre-sizing gate: breaker and per-asset position
// count.
func (m *Manager) Check(asset domain.Asset) domain.Decision {
	m.seq.lock()
	events := m.tickLocked(m.now())
	dec := m.checkLocked(asset)
	st := m.snapshotLocked()
	m.seq.unlock()
	m.emit(events, st)
	return dec
}

// ConfidenceGate applies the conservative-mode advisory bar. Outside
// conservative mode every advice passes.
func (m *Manager) ConfidenceGate(advice domain.Advice) domain.Decision {
	if !m.ConservativeActive() {
		return domain.Allow()
	}
	if !advice.Approved {
		return domain.Reject(domain.ReasonAdvisorRejected, advice.Reason)
	}
	if advice.Confidence.LessThan(m.cfg.MinConfidence) {
		return domain.Reject(domain.ReasonConservativeConfidence,
			fmt.Sprintf("confidence %s below %s", advice.Confidence, m.cfg.MinConfidence))
	}
	return domain.Allow()
}

// Admit reserves a position slot and notional exposure for asset. On
// approval the caller owns the returned Admission and must end it with
// exactly one of Release, Settle or Close.
func (m *Manager) Admit(ctx context.Context, asset domain.Asset, notional decimal.Decimal) (*Admission, domain.Decision) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Reject(domain.ReasonCancelled, err.Error())
	}
	m.seq.lock()
	events := m.tickLocked(m.now())
	dec := m.admitLocked(ctx, asset, notional)
	st := m.snapshotLocked()
	m.seq.unlock()
	m.emit(events, st)
	if !dec.Allowed {
		m.logger.InfoContext(ctx, "admission rejected",
			slog.String("asset", string(asset)),
			slog.String("reason", string(dec.Reason)),
			slog.String("detail", dec.Detail),
		)
		return nil, dec
	}
	return &Admission{m: m, asset: asset, notional: notional}, dec
}

// RecordOutcome records a settled trade that was not admitted through an
// Admission, e.g. one restored from an external ledger.
func (m *Manager) RecordOutcome(asset domain.Asset, profit decimal.Decimal) {
	m.seq.lock()
	now := m.now()
	events := m.tickLocked(now)
	events = append(events, m.recordLocked(asset, profit, now)...)
	st := m.snapshotLocked()
	m.seq.unlock()
	m.emit(events, st)
}

// ResetBreaker closes the breaker manually and clears the streak counters.
// It is a no-op when the breaker is closed.
func (m *Manager) ResetBreaker(reason string) {
	m.seq.lock()
	var events []domain.RiskEvent
	if m.breaker.state.Open {
		events = append(events, m.closeBreakerLocked("manual: "+reason, m.now()))
	}
	st := m.snapshotLocked()
	m.seq.unlock()
	m.emit(events, st)
}

// Restore loads persisted counters, balances and breaker state. Open
// positions are not restored.
func (m *Manager) Restore(st domain.RiskState) {
	m.seq.lock()
	if st.StartingBalance.IsPositive() {
		m.starting = st.StartingBalance
	}
	if !st.CurrentBalance.IsZero() {
		m.balance = st.CurrentBalance
	}
	m.perf = st.Performance
	m.breaker.state = st.Breaker
	m.conservative.state = st.Conservative
	if !m.conservative.state.StartingBalance.IsPositive() {
		m.conservative.state.StartingBalance = m.cfg.StartingBalance
	}
	if m.conservative.state.MinConfidence.IsZero() {
		m.conservative.state.MinConfidence = m.cfg.MinConfidence
	}
	if st.Thresholds.PerAssetLimit > 0 {
		th := st.Thresholds
		m.thresholds.Store(&th)
	}
	if !st.DayStart.IsZero() {
		m.dayStart = st.DayStart
		m.nextReset = st.DayStart.Add(24 * time.Hour)
	}
	balance := m.balance
	m.seq.unlock()
	m.logger.Info("risk state restored",
		slog.Int("total_trades", st.Performance.TotalTrades),
		slog.Bool("breaker_open", st.Breaker.Open),
		slog.String("balance", balance.String()),
	)
}

// tickLocked applies time-driven transitions: breaker auto-reset and the
// UTC daily reset.
func (m *Manager) tickLocked(now time.Time) []domain.RiskEvent {
	var events []domain.RiskEvent
	if m.breaker.expired(now) {
		events = append(events, m.closeBreakerLocked(
			fmt.Sprintf("cooldown of %s elapsed", m.breaker.state.Cooldown), now))
	}
	if !now.Before(m.nextReset) {
		events = append(events, m.dailyResetLocked(now)...)
	}
	return events
}

func (m *Manager) closeBreakerLocked(reason string, now time.Time) domain.RiskEvent {
	ev := m.breaker.close(reason, now)
	m.perf.ConsecutiveLosses = 0
	m.perf.ConsecutiveWins = 0
	m.updatedAt = now
	return ev
}

func (m *Manager) dailyResetLocked(now time.Time) []domain.RiskEvent {
	var events []domain.RiskEvent
	events = append(events, domain.RiskEvent{
		Type: domain.RiskEventDailyReset,
		Detail: map[string]any{
			"daily_pnl":    m.perf.DailyPnL.String(),
			"total_trades": m.perf.TotalTrades,
			"win_rate":     m.perf.WinRate.String(),
		},
		At: now,
	})
	// A drawdown halt is scoped to the day. A loss-streak breaker serves its
	// full cooldown and keeps the streak it tripped on until it closes.
	if m.breaker.state.Open && m.breaker.state.Trigger == domain.BreakerTriggerDrawdown {
		events = append(events, m.breaker.close("daily reset", now))
	}
	m.perf.DailyPnL = decimal.Zero
	m.perf.ConsecutiveLosses = m.breaker.resetStreak(m.perf.ConsecutiveLosses)
	m.perf.ConsecutiveWins = 0
	m.breaker.state.ActivationCount = 0
	m.starting = m.balance
	m.dayStart = startOfDay(now)
	m.nextReset = m.dayStart.Add(24 * time.Hour)
	m.updatedAt = now
	return events
}

func (m *Manager) checkLocked(asset domain.Asset) domain.Decision {
	if m.breaker.state.Open {
		return domain.Reject(domain.ReasonCircuitBreakerOpen,
			fmt.Sprintf("%s until %s", m.breaker.state.Reason, m.breaker.state.CooldownUntil.UTC().Format(time.RFC3339)))
	}
	th := m.Thresholds()
	if n := m.positions[asset]; n >= th.PerAssetLimit {
		return domain.Reject(domain.ReasonPerAssetLimit,
			fmt.Sprintf("%d/%d open for %s", n, th.PerAssetLimit, asset))
	}
	return domain.Allow()
}

func (m *Manager) admitLocked(ctx context.Context, asset domain.Asset, notional decimal.Decimal) domain.Decision {
	if err := ctx.Err(); err != nil {
		return domain.Reject(domain.ReasonCancelled, err.Error())
	}
	if dec := m.checkLocked(asset); !dec.Allowed {
		return dec
	}
	if !m.balance.IsPositive() {
		return domain.Reject(domain.ReasonNoCapital, "balance is not positive")
	}

	th := m.Thresholds()
	open := decimal.Zero
	for _, v := range m.exposure {
		open = open.Add(v)
	}
	limit := m.balance.Mul(th.HeatLimit)
	if open.Add(notional).GreaterThan(limit) {
		return domain.Reject(domain.ReasonHeatLimit,
			fmt.Sprintf("exposure %s + %s exceeds %s", open, notional, limit.StringFixed(4)))
	}
	if dec := m.correlation.Check(m.exposure, m.balance, asset, notional); !dec.Allowed {
		return dec
	}

	m.positions[asset]++
	m.exposure[asset] = m.exposure[asset].Add(notional)
	m.updatedAt = m.now()
	return domain.Allow()
}

// releaseLocked returns a reserved slot and its exposure.
func (m *Manager) releaseLocked(asset domain.Asset, notional decimal.Decimal) {
	if m.positions[asset] > 0 {
		m.positions[asset]--
	}
	if m.positions[asset] == 0 {
		delete(m.positions, asset)
	}
	left := m.exposure[asset].Sub(notional)
	if !left.IsPositive() {
		delete(m.exposure, asset)
	} else {
		m.exposure[asset] = left
	}
}

func (m *Manager) recordLocked(asset domain.Asset, profit decimal.Decimal, now time.Time) []domain.RiskEvent {
	var events []domain.RiskEvent
	p := &m.perf
	p.TotalTrades++
	p.DailyPnL = p.DailyPnL.Add(profit)
	p.TotalPnL = p.TotalPnL.Add(profit)
	m.balance = m.balance.Add(profit)

	if !profit.IsNegative() {
		p.Wins++
		p.ConsecutiveWins++
		p.ConsecutiveLosses = m.breaker.resetStreak(p.ConsecutiveLosses)
		p.AvgWin = runningMean(p.AvgWin, profit, p.Wins)
	} else {
		p.Losses++
		p.ConsecutiveLosses++
		p.ConsecutiveWins = 0
		p.AvgLoss = runningMean(p.AvgLoss, profit.Abs(), p.Losses)
	}
	p.WinRate = decimal.NewFromInt(int64(p.Wins)).Div(decimal.NewFromInt(int64(p.TotalTrades)))

	if ev := m.breaker.evaluate(*p, m.Thresholds(), m.starting,
		time.Duration(m.cfg.DrawdownCooldownHours)*time.Hour, now); ev != nil {
		events = append(events, *ev)
		m.logger.Warn("circuit breaker opened",
			slog.String("reason", ev.Reason),
			slog.String("asset", string(asset)),
			slog.Time("cooldown_until", m.breaker.state.CooldownUntil),
		)
	}
	if ev := m.conservative.update(m.balance, now); ev != nil {
		events = append(events, *ev)
	}
	if m.cfg.AdaptEvery > 0 && p.TotalTrades%m.cfg.AdaptEvery == 0 {
		if ev := m.adaptLocked(now); ev != nil {
			events = append(events, *ev)
		}
	}
	m.updatedAt = now

	m.logger.Info("trade outcome recorded",
		slog.String("asset", string(asset)),
		slog.String("profit", profit.String()),
		slog.String("win_rate", p.WinRate.StringFixed(4)),
		slog.Int("consecutive_losses", p.ConsecutiveLosses),
	)
	return events
}

func (m *Manager) adaptLocked(now time.Time) *domain.RiskEvent {
	next, ok := m.tiers.For(m.perf.WinRate)
	if !ok {
		return nil
	}
	prev := m.Thresholds()
	if thresholdsEqual(prev, next) {
		return nil
	}
	m.thresholds.Store(&next)
	m.logger.Info("thresholds adapted",
		slog.String("win_rate", m.perf.WinRate.StringFixed(4)),
		slog.String("heat", next.HeatLimit.String()),
		slog.String("drawdown", next.DrawdownLimit.String()),
		slog.Int("loss_limit", next.ConsecutiveLossLimit),
		slog.Int("per_asset", next.PerAssetLimit),
	)
	return &domain.RiskEvent{
		Type: domain.RiskEventThresholdsAdapted,
		Detail: map[string]any{
			"win_rate": m.perf.WinRate.String(),
			"previous": prev,
			"current":  next,
		},
		At: now,
	}
}

func runningMean(mean, x decimal.Decimal, n int) decimal.Decimal {
	return mean.Mul(decimal.NewFromInt(int64(n - 1))).Add(x).Div(decimal.NewFromInt(int64(n)))
}

func (m *Manager) snapshotLocked() domain.RiskState {
	positions := make(map[domain.Asset]int, len(m.positions))
	for k, v := range m.positions {
		positions[k] = v
	}
	exposure := make(map[domain.Asset]decimal.Decimal, len(m.exposure))
	for k, v := range m.exposure {
		exposure[k] = v
	}
	return domain.RiskState{
		StartingBalance: m.starting,
		CurrentBalance:  m.balance,
		Thresholds:      m.Thresholds(),
		Performance:     m.perf,
		Breaker:         m.breaker.state,
		Conservative:    m.conservative.state,
		OpenPositions:   positions,
		Exposure:        exposure,
		Diversification: Diversification(exposure),
		DayStart:        m.dayStart,
		UpdatedAt:       m.updatedAt,
	}
}

// emit forwards transitions to telemetry outside the sequencer.
func (m *Manager) emit(events []domain.RiskEvent, st domain.RiskState) {
	for _, ev := range events {
		m.logger.Info("risk transition",
			slog.String("type", string(ev.Type)),
			slog.String("reason", ev.Reason),
		)
		if m.telemetry != nil {
			m.telemetry.RecordRiskEvent(context.Background(), ev, st)
		}
	}
}

// Admission is a reserved position slot. Exactly one of Release, Settle or
// Close takes effect; later calls are no-ops.
type Admission struct {
	m        *Manager
	asset    domain.Asset
	notional decimal.Decimal
	done     atomic.Bool
}

// Asset returns the admitted asset.
func (a *Admission) Asset() domain.Asset { return a.asset }

// Notional returns the reserved exposure.
func (a *Admission) Notional() decimal.Decimal { return a.notional }

// Release undoes the admission before any order was submitted. Counters
// return to their pre-admission values.
func (a *Admission) Release() {
	if !a.done.CompareAndSwap(false, true) {
		return
	}
	m := a.m
	m.seq.lock()
	m.releaseLocked(a.asset, a.notional)
	m.updatedAt = m.now()
	m.seq.unlock()
}

// Settle closes the position and records its realized profit.
func (a *Admission) Settle(profit decimal.Decimal) {
	if !a.done.CompareAndSwap(false, true) {
		return
	}
	m := a.m
	m.seq.lock()
	now := m.now()
	m.releaseLocked(a.asset, a.notional)
	events := m.tickLocked(now)
	events = append(events, m.recordLocked(a.asset, profit, now)...)
	st := m.snapshotLocked()
	m.seq.unlock()
	m.emit(events, st)
}

// Close ends a submitted attempt where nothing filled. No trade is
// recorded.
func (a *Admission) Close() {
	if !a.done.CompareAndSwap(false, true) {
		return
	}
	m := a.m
	m.seq.lock()
	m.releaseLocked(a.asset, a.notional)
	m.updatedAt = m.now()
	m.seq.unlock()
}
