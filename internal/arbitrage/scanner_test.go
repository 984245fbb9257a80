package arbitrage

import (
	"context"
	"encoding/json"
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

type stubEngine struct {
	mu       sync.Mutex
	calls    []domain.Snapshot
	bankroll []decimal.Decimal
	gate     chan struct{}
	err      error
}

func (e *stubEngine) Execute(ctx context.Context, snap domain.Snapshot, bankroll, _ decimal.Decimal) (domain.TradeResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, snap)
	e.bankroll = append(e.bankroll, bankroll)
	gate, err := e.gate, e.err
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return domain.TradeResult{}, err
}

func (e *stubEngine) RiskState() domain.RiskState {
	return domain.RiskState{CurrentBalance: d("250")}
}

func (e *stubEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }
func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestScanner_SkipsMarketInFlight(t *testing.T) {
	eng := &stubEngine{gate: make(chan struct{})}
	sc := NewScanner(eng, ScannerConfig{Workers: 4}, quietLogger())
	ctx := context.Background()

	require.True(t, sc.Submit(ctx, snapshot("0.48", "0.47")))
	assert.False(t, sc.Submit(ctx, snapshot("0.47", "0.47")))

	other := snapshot("0.40", "0.55")
	other.MarketID = "m-2"
	assert.True(t, sc.Submit(ctx, other))

	close(eng.gate)
	sc.Wait()
	assert.Equal(t, 2, eng.count())
	assert.Equal(t, uint64(1), sc.Stats().Busy)
	assert.Equal(t, uint64(2), sc.Stats().Executed)

	// The market is free again once its attempt finished.
	assert.True(t, sc.Submit(ctx, snapshot("0.46", "0.47")))
	sc.Wait()
	assert.Equal(t, 3, eng.count())
}

func TestScanner_BoundedWorkers(t *testing.T) {
	eng := &stubEngine{gate: make(chan struct{})}
	sc := NewScanner(eng, ScannerConfig{Workers: 1}, quietLogger())
	ctx := context.Background()

	require.True(t, sc.Submit(ctx, snapshot("0.48", "0.47")))
	other := snapshot("0.48", "0.47")
	other.MarketID = "m-2"
	assert.False(t, sc.Submit(ctx, other))

	close(eng.gate)
	sc.Wait()
	assert.True(t, sc.Submit(ctx, other))
	sc.Wait()
	assert.Equal(t, 2, eng.count())
}

func TestScanner_DeduplicatesRepeatedQuotes(t *testing.T) {
	eng := &stubEngine{}
	sc := NewScanner(eng, ScannerConfig{Workers: 2, DedupTTL: time.Minute}, quietLogger())
	ctx := context.Background()

	require.True(t, sc.Submit(ctx, snapshot("0.48", "0.47")))
	sc.Wait()
	assert.False(t, sc.Submit(ctx, snapshot("0.48", "0.47")))
	assert.True(t, sc.Submit(ctx, snapshot("0.48", "0.46")))
	sc.Wait()

	assert.Equal(t, 2, eng.count())
	assert.Equal(t, uint64(1), sc.Stats().Duplicates)
}

func TestScanner_ClassifiesOutcomes(t *testing.T) {
	cases := []struct {
		err  error
		want func(ScannerStats) uint64
	}{
		{domain.ErrNoOpportunity, func(s ScannerStats) uint64 { return s.NoOpp }},
		{domain.Reject(domain.ReasonHeatLimit, "x").Err(), func(s ScannerStats) uint64 { return s.Rejected }},
		{domain.ErrSizingZero, func(s ScannerStats) uint64 { return s.Rejected }},
		{&domain.CleanFailureError{MarketID: "m-1"}, func(s ScannerStats) uint64 { return s.Failed }},
	}
	for _, tc := range cases {
		eng := &stubEngine{err: tc.err}
		sc := NewScanner(eng, ScannerConfig{}, quietLogger())
		require.True(t, sc.Submit(context.Background(), snapshot("0.48", "0.47")))
		sc.Wait()
		assert.Equal(t, uint64(1), tc.want(sc.Stats()), "%v", tc.err)
	}
}

func TestScanner_RunDecodesSnapshots(t *testing.T) {
	eng := &stubEngine{}
	bus := &chanBus{ch: make(chan []byte, 4)}
	sc := NewScanner(eng, ScannerConfig{}, quietLogger())

	payload, err := json.Marshal(snapshot("0.48", "0.47"))
	require.NoError(t, err)
	bus.ch <- payload
	bus.ch <- []byte("{not json")
	bus.ch <- []byte(`{"asset":"BTC"}`)
	close(bus.ch)

	require.NoError(t, sc.Run(context.Background(), bus))

	require.Equal(t, 1, eng.count())
	assert.Equal(t, "m-1", eng.calls[0].MarketID)
	assert.True(t, eng.calls[0].LegA.Price.Equal(d("0.48")))
	assert.True(t, eng.bankroll[0].Equal(d("250")))

	st := sc.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(2), st.Malformed)
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	sc := NewScanner(&stubEngine{}, ScannerConfig{}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sc.Run(ctx, &chanBus{ch: make(chan []byte)}) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}
