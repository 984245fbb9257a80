package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Correlation limits concentrated and correlated exposure.
type Correlation struct {
	pairs         map[[2]domain.Asset]decimal.Decimal
	fallback      decimal.Decimal
	maxSingle     decimal.Decimal
	maxCorrelated decimal.Decimal
}

// NewCorrelation builds a limiter from a symmetric pair table.
func NewCorrelation(pairs map[[2]domain.Asset]decimal.Decimal, fallback, maxSingle, maxCorrelated decimal.Decimal) *Correlation {
	cp := make(map[[2]domain.Asset]decimal.Decimal, len(pairs))
	for k, v := range pairs {
		cp[k] = v
	}
	return &Correlation{pairs: cp, fallback: fallback, maxSingle: maxSingle, maxCorrelated: maxCorrelated}
}

// Of returns the correlation coefficient of two assets.
func (c *Correlation) Of(a, b domain.Asset) decimal.Decimal {
	if a == b {
		return decimal.NewFromInt(1)
	}
	if v, ok := c.pairs[[2]domain.Asset{a, b}]; ok {
		return v
	}
	if v, ok := c.pairs[[2]domain.Asset{b, a}]; ok {
		return v
	}
	return c.fallback
}

// Check decides whether adding notional on asset keeps both the single-asset
// and the correlation-weighted exposure within their caps. Exposures are
// fractions of capital.
func (c *Correlation) Check(exposure map[domain.Asset]decimal.Decimal, capital decimal.Decimal, asset domain.Asset, notional decimal.Decimal) domain.Decision {
	if !capital.IsPositive() {
		return domain.Reject(domain.ReasonNoCapital, "capital is not positive")
	}
	added := notional.Div(capital)

	single := exposure[asset].Div(capital).Add(added)
	if single.GreaterThan(c.maxSingle) {
		return domain.Reject(domain.ReasonSingleExposure,
			fmt.Sprintf("%s exposure would be %s (max %s)", asset, single.StringFixed(4), c.maxSingle))
	}

	correlated := added
	for other, amt := range exposure {
		correlated = correlated.Add(amt.Div(capital).Mul(c.Of(asset, other)))
	}
	if correlated.GreaterThan(c.maxCorrelated) {
		return domain.Reject(domain.ReasonCorrelatedExposure,
			fmt.Sprintf("correlated exposure for %s would be %s (max %s)", asset, correlated.StringFixed(4), c.maxCorrelated))
	}
	return domain.Allow()
}

// Diversification returns 1 minus the Herfindahl index of the exposure
// shares: 0 when fully concentrated, approaching 1 when spread evenly. An
// empty book scores 1.
func Diversification(exposure map[domain.Asset]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range exposure {
		total = total.Add(v)
	}
	if !total.IsPositive() {
		return decimal.NewFromInt(1)
	}
	hhi := decimal.Zero
	for _, v := range exposure {
		share := v.Div(total)
		hhi = hhi.Add(share.Mul(share))
	}
	return decimal.NewFromInt(1).Sub(hhi)
}
