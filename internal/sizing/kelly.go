// Package sizing computes bounded position sizes with a capped Kelly
// criterion.
package sizing

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Config holds the sizing limits. Amounts are in collateral units (USDC),
// which for a pair redeeming at $1 equals the number of pairs.
type Config struct {
	WinProbability decimal.Decimal
	MaxKelly       decimal.Decimal
	SmallBankroll  decimal.Decimal // bankrolls below this use the small range
	SmallMin       decimal.Decimal
	SmallMax       decimal.Decimal
	LargeMax       decimal.Decimal
	MinViable      decimal.Decimal
	RecalcEvery    int
	SizeDecimals   int32
}

// DefaultConfig returns the standard sizing limits.
func DefaultConfig() Config {
	return Config{
		WinProbability: decimal.RequireFromString("0.995"),
		MaxKelly:       decimal.RequireFromString("0.05"),
		SmallBankroll:  decimal.NewFromInt(100),
		SmallMin:       decimal.RequireFromString("0.10"),
		SmallMax:       decimal.RequireFromString("1.00"),
		LargeMax:       decimal.RequireFromString("5.00"),
		MinViable:      decimal.RequireFromString("0.10"),
		RecalcEvery:    10,
		SizeDecimals:   2,
	}
}

// Kelly sizes opportunities from a bankroll figure that is refreshed only
// every RecalcEvery settled trades. It is safe for concurrent use.
type Kelly struct {
	cfg Config

	mu       sync.Mutex
	bankroll decimal.Decimal
	primed   bool
	settled  int
}

// NewKelly creates a sizer.
func NewKelly(cfg Config) *Kelly {
	return &Kelly{cfg: cfg}
}

// Fraction returns the Kelly fraction for opp, clamped to [0, MaxKelly].
func (k *Kelly) Fraction(opp domain.Opportunity) decimal.Decimal {
	if !opp.TotalCost.IsPositive() || !opp.ExpectedProfit.IsPositive() {
		return decimal.Zero
	}
	b := opp.ExpectedProfit.Div(opp.TotalCost)
	p := k.cfg.WinProbability
	q := decimal.NewFromInt(1).Sub(p)
	f := b.Mul(p).Sub(q).Div(b)
	if f.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(f, k.cfg.MaxKelly)
}

// Size returns the position size for opp. The Kelly amount is taken from
// the reference bankroll, but the small or large band is picked from the
// live one. The result never exceeds bankroll; zero means the size fell
// below the minimum viable size.
func (k *Kelly) Size(opp domain.Opportunity, bankroll decimal.Decimal) decimal.Decimal {
	if !bankroll.IsPositive() {
		return decimal.Zero
	}
	ref := k.reference(bankroll)

	size := ref.Mul(k.Fraction(opp))
	if bankroll.LessThan(k.cfg.SmallBankroll) {
		size = decimal.Max(k.cfg.SmallMin, decimal.Min(size, k.cfg.SmallMax))
	} else {
		size = decimal.Min(size, k.cfg.LargeMax)
	}
	size = decimal.Min(size, bankroll).Truncate(k.cfg.SizeDecimals)
	if size.LessThan(k.cfg.MinViable) {
		return decimal.Zero
	}
	return size
}

// RecordSettled counts a settled trade and refreshes the reference
// bankroll every RecalcEvery trades.
func (k *Kelly) RecordSettled(bankroll decimal.Decimal) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.settled++
	if k.cfg.RecalcEvery <= 1 || k.settled%k.cfg.RecalcEvery == 0 {
		k.bankroll = bankroll
		k.primed = true
	}
}

// Bankroll returns the reference bankroll currently used for sizing.
func (k *Kelly) Bankroll() decimal.Decimal {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.bankroll
}

func (k *Kelly) reference(bankroll decimal.Decimal) decimal.Decimal {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.primed {
		k.bankroll = bankroll
		k.primed = true
	}
	return k.bankroll
}
