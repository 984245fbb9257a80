// Package fee implements the dynamic taker-fee curve of two-outcome markets.
//
// The fee peaks at 3% for a price of 0.5 and falls linearly toward the
// extremes, never below 0.1%:
//
//	fee(p) = max(0.001, 0.03 * (1 - |2p - 1|))
package fee

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var (
	defaultPeak  = decimal.RequireFromString("0.03")
	defaultFloor = decimal.RequireFromString("0.001")
	two          = decimal.NewFromInt(2)
)

// cacheDecimals is the precision of the memo key (micro-units).
const cacheDecimals = 6

// Stats reports memo-cache activity.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Model computes fee rates and memoizes them by price. It is safe for
// concurrent use.
type Model struct {
	peak  decimal.Decimal
	floor decimal.Decimal

	mu     sync.Mutex
	cache  map[string]decimal.Decimal
	hits   uint64
	misses uint64
}

// Option configures a Model.
type Option func(*Model)

// WithCurve overrides the peak and floor rates.
func WithCurve(peak, floor decimal.Decimal) Option {
	return func(m *Model) {
		m.peak = peak
		m.floor = floor
	}
}

// NewModel creates a Model with the standard curve.
func NewModel(opts ...Option) *Model {
	m := &Model{
		peak:  defaultPeak,
		floor: defaultFloor,
		cache: make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fee returns the fee rate for a leg bought at price. Prices outside [0,1]
// return domain.ErrInvalidInput.
func (m *Model) Fee(price decimal.Decimal) (decimal.Decimal, error) {
	if price.IsNegative() || price.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("fee: price %s outside [0,1]: %w", price, domain.ErrInvalidInput)
	}
	p := price.Round(cacheDecimals)
	key := p.StringFixed(cacheDecimals)

	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.cache[key]; ok {
		m.hits++
		return f, nil
	}
	m.misses++
	f := m.compute(p)
	m.cache[key] = f
	return f, nil
}

func (m *Model) compute(p decimal.Decimal) decimal.Decimal {
	certainty := p.Mul(two).Sub(decimal.NewFromInt(1)).Abs()
	f := m.peak.Mul(decimal.NewFromInt(1).Sub(certainty))
	return decimal.Max(m.floor, f)
}

// TotalCost returns pa + pb + pa*fee(pa) + pb*fee(pb), the all-in cost of
// buying one share of each outcome.
func (m *Model) TotalCost(pa, pb decimal.Decimal) (decimal.Decimal, error) {
	fa, err := m.Fee(pa)
	if err != nil {
		return decimal.Zero, err
	}
	fb, err := m.Fee(pb)
	if err != nil {
		return decimal.Zero, err
	}
	return pa.Add(pb).Add(pa.Mul(fa)).Add(pb.Mul(fb)), nil
}

// ClearCache empties the memo cache and its counters.
func (m *Model) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]decimal.Decimal)
	m.hits = 0
	m.misses = 0
}

// CacheSize returns the number of memoized prices.
func (m *Model) CacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Stats returns the cache counters.
func (m *Model) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Hits: m.hits, Misses: m.misses, Size: len(m.cache)}
}
