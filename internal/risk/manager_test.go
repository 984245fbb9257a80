package risk

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingTelemetry struct {
	mu     sync.Mutex
	events []domain.RiskEvent
}

func (r *recordingTelemetry) RecordTrade(context.Context, domain.TradeResult) {}

func (r *recordingTelemetry) RecordRiskEvent(_ context.Context, ev domain.RiskEvent, _ domain.RiskState) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingTelemetry) types() []domain.RiskEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RiskEventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *fakeClock, *recordingTelemetry) {
	t.Helper()
	cfg := DefaultConfig(d("1000"))
	if mutate != nil {
		mutate(&cfg)
	}
	clk := newFakeClock()
	tel := &recordingTelemetry{}
	return NewManager(cfg, testLogger(), WithClock(clk.Now), WithTelemetry(tel)), clk, tel
}

func TestBreaker_TripsOnLossStreakAndAutoResets(t *testing.T) {
	m, clk, tel := newTestManager(t, func(c *Config) {
		c.Base.ConsecutiveLossLimit = 3
		c.AdaptEvery = 0
	})

	for i := 0; i < 3; i++ {
		assert.True(t, m.Check("BTC").Allowed)
		m.RecordOutcome("BTC", d("-1"))
	}

	require.True(t, m.BreakerOpen())
	st := m.State()
	assert.Equal(t, time.Hour, st.Breaker.Cooldown)
	assert.Equal(t, 3, st.Breaker.TrippedAtLosses)
	assert.Equal(t, 1, st.Breaker.ActivationCount)

	dec := m.Check("BTC")
	assert.False(t, dec.Allowed)
	assert.Equal(t, domain.ReasonCircuitBreakerOpen, dec.Reason)

	clk.Advance(59 * time.Minute)
	assert.True(t, m.BreakerOpen())

	clk.Advance(time.Minute)
	assert.True(t, m.Check("BTC").Allowed)
	st = m.State()
	assert.False(t, st.Breaker.Open)
	assert.Zero(t, st.Performance.ConsecutiveLosses)
	assert.Equal(t, 1, st.Breaker.ActivationCount)

	assert.Equal(t, []domain.RiskEventType{domain.RiskEventBreakerOpen, domain.RiskEventBreakerClosed}, tel.types())
}

func TestBreaker_CooldownScalesWithStreak(t *testing.T) {
	cases := []struct {
		limit int
		want  time.Duration
	}{
		{3, time.Hour},
		{4, time.Hour},
		{5, 3 * time.Hour},
		{6, 3 * time.Hour},
		{7, 6 * time.Hour},
	}
	for _, tc := range cases {
		m, _, _ := newTestManager(t, func(c *Config) {
			c.Base.ConsecutiveLossLimit = tc.limit
			c.Base.DrawdownLimit = d("0.9")
			c.AdaptEvery = 0
		})
		for i := 0; i < tc.limit; i++ {
			m.RecordOutcome("ETH", d("-1"))
		}
		st := m.State()
		require.True(t, st.Breaker.Open, "limit %d", tc.limit)
		assert.Equal(t, tc.want, st.Breaker.Cooldown, "limit %d", tc.limit)
	}
}

func TestBreaker_NotTrippedBelowLimit(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) { c.AdaptEvery = 0 })
	for i := 0; i < 4; i++ {
		m.RecordOutcome("BTC", d("-1"))
	}
	m.RecordOutcome("BTC", d("0.5"))
	m.RecordOutcome("BTC", d("-1"))
	st := m.State()
	assert.False(t, st.Breaker.Open)
	assert.Equal(t, 1, st.Performance.ConsecutiveLosses)
}

func TestBreaker_DrawdownTrip(t *testing.T) {
	m, clk, _ := newTestManager(t, func(c *Config) { c.StartingBalance = d("100") })

	m.RecordOutcome("SOL", d("-15"))
	st := m.State()
	require.True(t, st.Breaker.Open)
	assert.Equal(t, 4*time.Hour, st.Breaker.Cooldown)

	clk.Advance(4 * time.Hour)
	assert.False(t, m.BreakerOpen())
}

func TestBreaker_ManualReset(t *testing.T) {
	m, _, tel := newTestManager(t, func(c *Config) {
		c.Base.ConsecutiveLossLimit = 3
		c.AdaptEvery = 0
	})
	m.ResetBreaker("noop while closed")
	assert.Empty(t, tel.types())

	for i := 0; i < 3; i++ {
		m.RecordOutcome("BTC", d("-1"))
	}
	require.True(t, m.BreakerOpen())

	m.ResetBreaker("operator")
	st := m.State()
	assert.False(t, st.Breaker.Open)
	assert.Zero(t, st.Performance.ConsecutiveLosses)
	assert.True(t, m.Check("BTC").Allowed)
}

func TestConservativeMode_Hysteresis(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.StartingBalance = d("100")
		c.Base.DrawdownLimit = d("1")
		c.AdaptEvery = 0
	})

	m.RecordOutcome("BTC", d("-79"))
	assert.False(t, m.ConservativeActive(), "21 is above 20%")

	m.RecordOutcome("BTC", d("-2"))
	require.True(t, m.ConservativeActive())

	m.RecordOutcome("BTC", d("30"))
	assert.True(t, m.ConservativeActive(), "49 is still below the exit bar")

	m.RecordOutcome("BTC", d("1"))
	assert.False(t, m.ConservativeActive())
}

func TestConfidenceGate(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.StartingBalance = d("100")
		c.Base.DrawdownLimit = d("1")
		c.AdaptEvery = 0
	})

	low := domain.Advice{Approved: true, Confidence: d("10")}
	assert.True(t, m.ConfidenceGate(low).Allowed, "inactive mode passes everything")

	m.RecordOutcome("BTC", d("-90"))
	require.True(t, m.ConservativeActive())

	dec := m.ConfidenceGate(domain.Advice{Approved: true, Confidence: d("79.9")})
	assert.Equal(t, domain.ReasonConservativeConfidence, dec.Reason)

	dec = m.ConfidenceGate(domain.Advice{Approved: false, Confidence: d("95"), Reason: "volatile"})
	assert.Equal(t, domain.ReasonAdvisorRejected, dec.Reason)

	assert.True(t, m.ConfidenceGate(domain.Advice{Approved: true, Confidence: d("80")}).Allowed)
}

func TestAdaptiveThresholds(t *testing.T) {
	m, _, tel := newTestManager(t, nil)
	base := m.Thresholds()
	assert.Equal(t, 5, base.ConsecutiveLossLimit)

	for i := 0; i < 4; i++ {
		m.RecordOutcome("BTC", d("1"))
	}
	assert.Equal(t, base, m.Thresholds(), "no adaptation before the fifth trade")

	m.RecordOutcome("BTC", d("-1"))
	th := m.Thresholds()
	assert.True(t, th.HeatLimit.Equal(d("1.00")))
	assert.True(t, th.DrawdownLimit.Equal(d("0.20")))
	assert.Equal(t, 7, th.ConsecutiveLossLimit)
	assert.Equal(t, 3, th.PerAssetLimit)
	assert.Contains(t, tel.types(), domain.RiskEventThresholdsAdapted)

	// 4/10 = 40% falls into the lowest tier.
	for i := 0; i < 5; i++ {
		m.RecordOutcome("BTC", d("-0.01"))
	}
	th = m.Thresholds()
	assert.True(t, th.HeatLimit.Equal(d("0.25")))
	assert.Equal(t, 3, th.ConsecutiveLossLimit)
	assert.Equal(t, 1, th.PerAssetLimit)
}

func TestTierTable(t *testing.T) {
	tiers := newTierTable(DefaultTiers())
	cases := []struct {
		rate     string
		heat     string
		perAsset int
	}{
		{"0", "0.25", 1},
		{"0.4999", "0.25", 1},
		{"0.5", "0.50", 1},
		{"0.6", "0.75", 2},
		{"0.6999", "0.75", 2},
		{"0.7", "1.00", 3},
		{"1", "1.00", 3},
	}
	for _, tc := range cases {
		th, ok := tiers.For(d(tc.rate))
		require.True(t, ok)
		assert.True(t, th.HeatLimit.Equal(d(tc.heat)), "rate %s", tc.rate)
		assert.Equal(t, tc.perAsset, th.PerAssetLimit, "rate %s", tc.rate)
	}
}

func TestAdmit_PerAssetLimitAndRelease(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	a1, dec := m.Admit(ctx, "BTC", d("10"))
	require.True(t, dec.Allowed)
	a2, dec := m.Admit(ctx, "BTC", d("10"))
	require.True(t, dec.Allowed)

	_, dec = m.Admit(ctx, "BTC", d("10"))
	assert.Equal(t, domain.ReasonPerAssetLimit, dec.Reason)
	assert.Equal(t, domain.ReasonPerAssetLimit, m.Check("BTC").Reason)

	st := m.State()
	assert.Equal(t, 2, st.OpenPositions["BTC"])
	assert.True(t, st.Exposure["BTC"].Equal(d("20")))

	a1.Release()
	a1.Release()
	st = m.State()
	assert.Equal(t, 1, st.OpenPositions["BTC"])
	assert.True(t, st.Exposure["BTC"].Equal(d("10")))
	assert.Zero(t, st.Performance.TotalTrades)

	a2.Close()
	st = m.State()
	assert.Empty(t, st.OpenPositions)
	assert.Empty(t, st.Exposure)
	assert.Zero(t, st.Performance.TotalTrades)
}

func TestAdmit_SettleRecordsOutcome(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	a, dec := m.Admit(context.Background(), "ETH", d("5"))
	require.True(t, dec.Allowed)

	a.Settle(d("0.12"))
	a.Settle(d("0.12"))
	a.Release()

	st := m.State()
	assert.Equal(t, 1, st.Performance.TotalTrades)
	assert.Equal(t, 1, st.Performance.Wins)
	assert.True(t, st.CurrentBalance.Equal(d("1000.12")))
	assert.Empty(t, st.OpenPositions)
}

func TestAdmit_CancelledContextLeavesCountersUnchanged(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, dec := m.Admit(ctx, "BTC", d("1"))
	assert.Nil(t, a)
	assert.Equal(t, domain.ReasonCancelled, dec.Reason)
	assert.Empty(t, m.State().OpenPositions)
}

func TestAdmit_HeatLimit(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.StartingBalance = d("100")
		c.MaxSingleExposure = d("1")
		c.MaxCorrelatedExposure = d("10")
	})
	ctx := context.Background()

	_, dec := m.Admit(ctx, "BTC", d("30"))
	require.True(t, dec.Allowed)
	_, dec = m.Admit(ctx, "ETH", d("20"))
	require.True(t, dec.Allowed, "50 equals the 0.5 heat limit")
	_, dec = m.Admit(ctx, "SOL", d("0.01"))
	assert.Equal(t, domain.ReasonHeatLimit, dec.Reason)
}

func TestAdmit_CorrelationCaps(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, dec := m.Admit(ctx, "BTC", d("150"))
	require.True(t, dec.Allowed)

	_, dec = m.Admit(ctx, "BTC", d("60"))
	assert.Equal(t, domain.ReasonSingleExposure, dec.Reason)

	// 0.20 new + 0.15*0.85 correlated = 0.3275
	_, dec = m.Admit(ctx, "ETH", d("200"))
	assert.Equal(t, domain.ReasonCorrelatedExposure, dec.Reason)

	// 0.10 new + 0.15*0.85 = 0.2275
	_, dec = m.Admit(ctx, "ETH", d("100"))
	assert.True(t, dec.Allowed)
}

func TestCorrelation_Of(t *testing.T) {
	c := NewCorrelation(DefaultCorrelations(), d("0.5"), d("0.2"), d("0.3"))
	assert.True(t, c.Of("BTC", "ETH").Equal(d("0.85")))
	assert.True(t, c.Of("ETH", "BTC").Equal(d("0.85")))
	assert.True(t, c.Of("XRP", "SOL").Equal(d("0.60")))
	assert.True(t, c.Of("DOGE", "DOGE").Equal(d("1")))
	assert.True(t, c.Of("DOGE", "BTC").Equal(d("0.5")))
}

func TestDiversification(t *testing.T) {
	assert.True(t, Diversification(nil).Equal(d("1")))
	assert.True(t, Diversification(map[domain.Asset]decimal.Decimal{"BTC": d("5")}).IsZero())
	assert.True(t, Diversification(map[domain.Asset]decimal.Decimal{"BTC": d("5"), "ETH": d("5")}).Equal(d("0.5")))
}

func TestDailyReset(t *testing.T) {
	m, clk, tel := newTestManager(t, func(c *Config) { c.AdaptEvery = 0 })
	m.RecordOutcome("BTC", d("-3"))
	m.RecordOutcome("BTC", d("-2"))

	st := m.State()
	assert.True(t, st.Performance.DailyPnL.Equal(d("-5")))

	clk.Advance(12 * time.Hour)
	st = m.State()
	assert.True(t, st.Performance.DailyPnL.IsZero())
	assert.Zero(t, st.Performance.ConsecutiveLosses)
	assert.True(t, st.StartingBalance.Equal(d("995")))
	assert.True(t, st.Performance.TotalPnL.Equal(d("-5")))
	assert.Equal(t, 2, st.Performance.TotalTrades)
	assert.Contains(t, tel.types(), domain.RiskEventDailyReset)
}

func TestDailyReset_ClosesDrawdownBreaker(t *testing.T) {
	m, clk, _ := newTestManager(t, func(c *Config) { c.StartingBalance = d("100") })
	clk.Advance(10 * time.Hour) // 22:00 UTC

	m.RecordOutcome("SOL", d("-15"))
	st := m.State()
	require.True(t, st.Breaker.Open)
	require.Equal(t, domain.BreakerTriggerDrawdown, st.Breaker.Trigger)

	clk.Advance(2*time.Hour + time.Minute) // 00:01, cooldown runs to 02:00
	st = m.State()
	assert.False(t, st.Breaker.Open)
	assert.Zero(t, st.Breaker.ActivationCount)
	assert.Zero(t, st.Performance.ConsecutiveLosses)
}

func TestDailyReset_KeepsLossStreakBreakerUntilCooldown(t *testing.T) {
	m, clk, tel := newTestManager(t, func(c *Config) {
		c.Base.ConsecutiveLossLimit = 7
		c.Base.DrawdownLimit = d("1")
		c.AdaptEvery = 0
	})
	clk.Advance(11*time.Hour + 30*time.Minute) // 23:30 UTC

	for i := 0; i < 7; i++ {
		m.RecordOutcome("BTC", d("-1"))
	}
	st := m.State()
	require.True(t, st.Breaker.Open)
	require.Equal(t, 6*time.Hour, st.Breaker.Cooldown)
	until := st.Breaker.CooldownUntil

	clk.Advance(31 * time.Minute) // 00:01
	st = m.State()
	assert.True(t, st.Breaker.Open)
	assert.Equal(t, until, st.Breaker.CooldownUntil)
	assert.Equal(t, 7, st.Performance.ConsecutiveLosses)
	assert.True(t, st.Performance.DailyPnL.IsZero())
	assert.Contains(t, tel.types(), domain.RiskEventDailyReset)
	assert.NotContains(t, tel.types(), domain.RiskEventBreakerClosed)
	assert.Equal(t, domain.ReasonCircuitBreakerOpen, m.Check("BTC").Reason)

	clk.Advance(5*time.Hour + 28*time.Minute) // 05:29
	assert.True(t, m.BreakerOpen())

	clk.Advance(time.Minute) // 05:30
	st = m.State()
	assert.False(t, st.Breaker.Open)
	assert.Zero(t, st.Performance.ConsecutiveLosses)
}

func TestBreaker_WinWhileOpenKeepsTrippedStreak(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.Base.ConsecutiveLossLimit = 3
		c.AdaptEvery = 0
	})
	adm, dec := m.Admit(context.Background(), "BTC", d("10"))
	require.True(t, dec.Allowed)

	for i := 0; i < 3; i++ {
		m.RecordOutcome("ETH", d("-1"))
	}
	require.True(t, m.BreakerOpen())

	adm.Settle(d("1"))
	st := m.State()
	assert.True(t, st.Breaker.Open)
	assert.Equal(t, 3, st.Breaker.TrippedAtLosses)
	assert.Equal(t, 3, st.Performance.ConsecutiveLosses)
	assert.Equal(t, 1, st.Performance.ConsecutiveWins)

	m.ResetBreaker("operator")
	assert.Zero(t, m.State().Performance.ConsecutiveLosses)
}

func TestConservativeMode_BaseSurvivesDailyReset(t *testing.T) {
	m, clk, _ := newTestManager(t, func(c *Config) {
		c.Base.DrawdownLimit = d("1")
		c.Base.ConsecutiveLossLimit = 100
		c.AdaptEvery = 0
	})

	m.RecordOutcome("BTC", d("-700"))
	require.False(t, m.ConservativeActive(), "300 is above 20% of 1000")

	clk.Advance(12 * time.Hour)
	st := m.State()
	require.True(t, st.StartingBalance.Equal(d("300")))
	assert.True(t, st.Conservative.StartingBalance.Equal(d("1000")))

	m.RecordOutcome("BTC", d("-150"))
	st = m.State()
	assert.True(t, st.CurrentBalance.Equal(d("150")))
	assert.True(t, st.Conservative.Active)
	assert.True(t, st.Conservative.StartingBalance.Equal(d("1000")))
}

func TestPerformanceAverages(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) { c.AdaptEvery = 0 })
	m.RecordOutcome("BTC", d("2"))
	m.RecordOutcome("BTC", d("4"))
	m.RecordOutcome("BTC", d("-1"))

	p := m.State().Performance
	assert.True(t, p.AvgWin.Equal(d("3")))
	assert.True(t, p.AvgLoss.Equal(d("1")))
	assert.Equal(t, 2, p.Wins)
	assert.Equal(t, 1, p.Losses)
	assert.True(t, p.WinRate.Sub(d("0.6667")).Abs().LessThan(d("0.001")))
}

func TestRestore(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	st := m.State()
	st.CurrentBalance = d("1234")
	st.Performance.TotalTrades = 42
	st.Breaker = domain.BreakerState{Open: true, Reason: "restored", CooldownUntil: time.Now().Add(time.Hour), Cooldown: time.Hour}
	st.Thresholds.PerAssetLimit = 3

	other, _, _ := newTestManager(t, nil)
	other.Restore(st)
	got := other.State()
	assert.True(t, got.CurrentBalance.Equal(d("1234")))
	assert.Equal(t, 42, got.Performance.TotalTrades)
	assert.Equal(t, 3, other.Thresholds().PerAssetLimit)
}

func TestManager_ConcurrentAdmissionsStayConsistent(t *testing.T) {
	m, _, _ := newTestManager(t, func(c *Config) {
		c.Base.PerAssetLimit = 1000
		c.Base.HeatLimit = d("100")
		c.MaxSingleExposure = d("100")
		c.MaxCorrelatedExposure = d("100")
		c.AdaptEvery = 0
	})
	ctx := context.Background()
	var wg sync.WaitGroup
	assets := []domain.Asset{"BTC", "ETH", "SOL", "XRP"}
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, dec := m.Admit(ctx, assets[i%len(assets)], d("1"))
			if !dec.Allowed {
				return
			}
			if i%2 == 0 {
				a.Release()
			} else {
				a.Settle(d("0.01"))
			}
		}(i)
	}
	wg.Wait()

	st := m.State()
	assert.Empty(t, st.OpenPositions)
	assert.Empty(t, st.Exposure)
	assert.Equal(t, 100, st.Performance.TotalTrades)
}

func TestSequencer_FIFO(t *testing.T) {
	s := newSequencer()
	s.lock()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		ready := make(chan struct{})
		go func(i int) {
			defer wg.Done()
			close(ready)
			s.lock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			s.unlock()
		}(i)
		<-ready
		// Wait until the goroutine holds a ticket.
		require.Eventually(t, func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.next == uint64(i+2)
		}, time.Second, time.Millisecond)
	}
	s.unlock()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
