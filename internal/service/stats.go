package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var (
	hundred          = decimal.NewFromInt(100)
	profitFactorCeil = decimal.RequireFromString("999.99")
)

// AssetStats is the per-asset slice of Stats.
type AssetStats struct {
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	WinRate   decimal.Decimal `json:"win_rate"`
	NetProfit decimal.Decimal `json:"net_profit"`
}

// Stats summarizes a set of trade results.
type Stats struct {
	Since         time.Time                   `json:"since"`
	TotalTrades   int                         `json:"total_trades"`
	Succeeded     int                         `json:"succeeded"`
	PartialFills  int                         `json:"partial_fills"`
	CleanFailures int                         `json:"clean_failures"`
	WinRate       decimal.Decimal             `json:"win_rate"` // percent
	GrossProfit   decimal.Decimal             `json:"gross_profit"`
	GasCost       decimal.Decimal             `json:"gas_cost"`
	NetProfit     decimal.Decimal             `json:"net_profit"`
	AvgProfit     decimal.Decimal             `json:"avg_profit"`
	ProfitFactor  decimal.Decimal             `json:"profit_factor"`
	MaxDrawdown   decimal.Decimal             `json:"max_drawdown"`
	ByAsset       map[domain.Asset]AssetStats `json:"by_asset"`
}

// ComputeStats aggregates results. Order does not matter; drawdown is
// computed over results sorted by completion time.
func ComputeStats(results []domain.TradeResult) Stats {
	st := Stats{
		WinRate:      decimal.Zero,
		GrossProfit:  decimal.Zero,
		GasCost:      decimal.Zero,
		NetProfit:    decimal.Zero,
		AvgProfit:    decimal.Zero,
		ProfitFactor: decimal.Zero,
		MaxDrawdown:  decimal.Zero,
		ByAsset:      make(map[domain.Asset]AssetStats),
	}
	if len(results) == 0 {
		return st
	}

	sorted := make([]domain.TradeResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.Before(sorted[j].CompletedAt)
	})

	gains, losses := decimal.Zero, decimal.Zero
	cum, peak := decimal.Zero, decimal.Zero
	for _, r := range sorted {
		st.TotalTrades++
		a := st.ByAsset[r.Asset]
		a.Total++
		switch r.Status {
		case domain.TradeSuccess:
			st.Succeeded++
			a.Succeeded++
		case domain.TradePartialFill:
			st.PartialFills++
			a.Failed++
		default:
			st.CleanFailures++
			a.Failed++
		}
		a.NetProfit = a.NetProfit.Add(r.NetProfit)
		st.ByAsset[r.Asset] = a

		st.GrossProfit = st.GrossProfit.Add(r.ActualProfit)
		st.GasCost = st.GasCost.Add(r.GasCost)
		if r.ActualProfit.IsPositive() {
			gains = gains.Add(r.ActualProfit)
		} else {
			losses = losses.Add(r.ActualProfit.Abs())
		}

		cum = cum.Add(r.NetProfit)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(st.MaxDrawdown) {
			st.MaxDrawdown = dd
		}
	}

	n := decimal.NewFromInt(int64(st.TotalTrades))
	st.WinRate = decimal.NewFromInt(int64(st.Succeeded)).Div(n).Mul(hundred)
	st.NetProfit = st.GrossProfit.Sub(st.GasCost)
	st.AvgProfit = st.GrossProfit.Div(n)
	switch {
	case losses.IsPositive():
		st.ProfitFactor = gains.Div(losses)
	case gains.IsPositive():
		st.ProfitFactor = profitFactorCeil
	}
	for k, a := range st.ByAsset {
		a.WinRate = decimal.NewFromInt(int64(a.Succeeded)).Div(decimal.NewFromInt(int64(a.Total))).Mul(hundred)
		st.ByAsset[k] = a
	}
	return st
}

// StatsService serves aggregated statistics from the trade store.
type StatsService struct {
	trades domain.TradeResultStore
	now    func() time.Time
}

// NewStatsService creates a StatsService.
func NewStatsService(trades domain.TradeResultStore) *StatsService {
	return &StatsService{trades: trades, now: time.Now}
}

// Summary returns statistics for results completed within the window
// ending now.
func (s *StatsService) Summary(ctx context.Context, window time.Duration) (Stats, error) {
	since := s.now().Add(-window)
	results, err := s.trades.ListSince(ctx, since)
	if err != nil {
		return Stats{}, fmt.Errorf("stats_service: list since: %w", err)
	}
	st := ComputeStats(results)
	st.Since = since
	return st, nil
}

// Recent returns the most recent trade results.
func (s *StatsService) Recent(ctx context.Context, opts domain.ListOpts) ([]domain.TradeResult, error) {
	results, err := s.trades.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("stats_service: list recent: %w", err)
	}
	return results, nil
}
