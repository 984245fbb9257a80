// Package risk owns the mutable risk state of the engine: the circuit
// breaker, conservative mode, correlation-aware exposure limits and the
// adaptive thresholds that all gates read.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Tier maps a minimum win rate to the thresholds in force at or above it.
type Tier struct {
	MinWinRate decimal.Decimal
	Thresholds domain.Thresholds
}

// Config holds the tunable parameters of the Manager.
type Config struct {
	StartingBalance decimal.Decimal

	// Base thresholds apply until the first adaptation.
	Base domain.Thresholds
	// Tiers are evaluated highest MinWinRate first.
	Tiers      []Tier
	AdaptEvery int

	ConservativeOn  decimal.Decimal // fraction of starting balance
	ConservativeOff decimal.Decimal
	MinConfidence   decimal.Decimal // percent, 0-100

	MaxSingleExposure     decimal.Decimal
	MaxCorrelatedExposure decimal.Decimal
	Correlations          map[[2]domain.Asset]decimal.Decimal
	DefaultCorrelation    decimal.Decimal

	DrawdownCooldownHours int
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// DefaultTiers returns the standard win-rate tier table.
func DefaultTiers() []Tier {
	return []Tier{
		{MinWinRate: dec("0.70"), Thresholds: domain.Thresholds{HeatLimit: dec("1.00"), DrawdownLimit: dec("0.20"), ConsecutiveLossLimit: 7, PerAssetLimit: 3}},
		{MinWinRate: dec("0.60"), Thresholds: domain.Thresholds{HeatLimit: dec("0.75"), DrawdownLimit: dec("0.15"), ConsecutiveLossLimit: 5, PerAssetLimit: 2}},
		{MinWinRate: dec("0.50"), Thresholds: domain.Thresholds{HeatLimit: dec("0.50"), DrawdownLimit: dec("0.10"), ConsecutiveLossLimit: 3, PerAssetLimit: 1}},
		{MinWinRate: decimal.Zero, Thresholds: domain.Thresholds{HeatLimit: dec("0.25"), DrawdownLimit: dec("0.10"), ConsecutiveLossLimit: 3, PerAssetLimit: 1}},
	}
}

// DefaultCorrelations returns the static crypto-asset correlation table.
func DefaultCorrelations() map[[2]domain.Asset]decimal.Decimal {
	return map[[2]domain.Asset]decimal.Decimal{
		{"BTC", "ETH"}: dec("0.85"),
		{"BTC", "SOL"}: dec("0.75"),
		{"BTC", "XRP"}: dec("0.65"),
		{"ETH", "SOL"}: dec("0.80"),
		{"ETH", "XRP"}: dec("0.70"),
		{"SOL", "XRP"}: dec("0.60"),
	}
}

// DefaultConfig returns a Config with the standard limits for the given
// starting balance.
func DefaultConfig(startingBalance decimal.Decimal) Config {
	return Config{
		StartingBalance: startingBalance,
		Base: domain.Thresholds{
			HeatLimit:            dec("0.50"),
			DrawdownLimit:        dec("0.15"),
			ConsecutiveLossLimit: 5,
			PerAssetLimit:        2,
		},
		Tiers:                 DefaultTiers(),
		AdaptEvery:            5,
		ConservativeOn:        dec("0.20"),
		ConservativeOff:       dec("0.50"),
		MinConfidence:         dec("80"),
		MaxSingleExposure:     dec("0.20"),
		MaxCorrelatedExposure: dec("0.30"),
		Correlations:          DefaultCorrelations(),
		DefaultCorrelation:    dec("0.5"),
		DrawdownCooldownHours: 4,
	}
}
