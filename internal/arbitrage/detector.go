// Package arbitrage turns market snapshots into fee-adjusted arbitrage
// opportunities and feeds them to the execution engine.
package arbitrage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/fee"
)

// Redemption is the guaranteed payout of one YES+NO pair.
var Redemption = decimal.NewFromInt(1)

// Detector evaluates internal (YES+NO < $1) arbitrage on a single snapshot.
type Detector struct {
	fees *fee.Model
	now  func() time.Time
}

// NewDetector creates a detector backed by the given fee model.
func NewDetector(fees *fee.Model) *Detector {
	return &Detector{fees: fees, now: time.Now}
}

// Detect returns the opportunity in snap, or nil when buying both outcomes
// costs at least the redemption value or the profit percentage is below
// threshold. An error is returned only for malformed input.
func (d *Detector) Detect(snap domain.Snapshot, threshold decimal.Decimal) (*domain.Opportunity, error) {
	if threshold.IsNegative() {
		return nil, fmt.Errorf("arbitrage: detect: negative threshold %s: %w", threshold, domain.ErrInvalidInput)
	}
	if snap.LegA.Outcome == snap.LegB.Outcome {
		return nil, fmt.Errorf("arbitrage: detect: market %s has duplicate outcome %q: %w",
			snap.MarketID, snap.LegA.Outcome, domain.ErrInvalidInput)
	}

	pa, pb := snap.LegA.Price, snap.LegB.Price
	fa, err := d.fees.Fee(pa)
	if err != nil {
		return nil, fmt.Errorf("arbitrage: detect: leg a: %w", err)
	}
	fb, err := d.fees.Fee(pb)
	if err != nil {
		return nil, fmt.Errorf("arbitrage: detect: leg b: %w", err)
	}

	feeA := pa.Mul(fa)
	feeB := pb.Mul(fb)
	total := pa.Add(pb).Add(feeA).Add(feeB)
	if total.GreaterThanOrEqual(Redemption) {
		return nil, nil
	}
	profit := Redemption.Sub(total)
	pct := profit.Div(total)
	if pct.LessThan(threshold) {
		return nil, nil
	}

	return &domain.Opportunity{
		Kind:     domain.OpportunityInternal,
		MarketID: snap.MarketID,
		Asset:    snap.Asset,
		LegA: domain.OpportunityLeg{
			TokenID:   snap.LegA.TokenID,
			Outcome:   snap.LegA.Outcome,
			Price:     pa,
			FeeRate:   fa,
			FeeAmount: feeA,
		},
		LegB: domain.OpportunityLeg{
			TokenID:   snap.LegB.TokenID,
			Outcome:   snap.LegB.Outcome,
			Price:     pb,
			FeeRate:   fb,
			FeeAmount: feeB,
		},
		TotalCost:      total,
		ExpectedProfit: profit,
		ProfitPct:      pct,
		DetectedAt:     d.now(),
	}, nil
}
