package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityKind tags the variant of an Opportunity.
type OpportunityKind int

const (
	// OpportunityInternal buys both outcomes of one market for less than the
	// guaranteed redemption value.
	OpportunityInternal OpportunityKind = iota
	// OpportunityLatency trades a stale quote against a faster reference feed.
	OpportunityLatency
	// OpportunityNegRisk spans the outcomes of a negative-risk event group.
	OpportunityNegRisk
)

// String returns the wire name of the kind.
func (k OpportunityKind) String() string {
	switch k {
	case OpportunityInternal:
		return "internal"
	case OpportunityLatency:
		return "latency"
	case OpportunityNegRisk:
		return "neg_risk"
	default:
		return "unknown"
	}
}

// OpportunityLeg is one priced, fee-adjusted outcome of an Opportunity.
type OpportunityLeg struct {
	TokenID   string          `json:"token_id"`
	Outcome   Outcome         `json:"outcome"`
	Price     decimal.Decimal `json:"price"`
	FeeRate   decimal.Decimal `json:"fee_rate"`
	FeeAmount decimal.Decimal `json:"fee_amount"` // Price * FeeRate
}

// Opportunity is a detected, not yet executed, arbitrage.
//
// TotalCost is always LegA.Price + LegB.Price + LegA.FeeAmount + LegB.FeeAmount.
// Size is zero until AssignSize is called; it can be assigned once.
type Opportunity struct {
	Kind           OpportunityKind `json:"kind"`
	MarketID       string          `json:"market_id"`
	Asset          Asset           `json:"asset"`
	LegA           OpportunityLeg  `json:"leg_a"`
	LegB           OpportunityLeg  `json:"leg_b"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	ProfitPct      decimal.Decimal `json:"profit_pct"`
	Size           decimal.Decimal `json:"size"`
	DetectedAt     time.Time       `json:"detected_at"`

	sized bool
}

// ErrAlreadySized is returned when AssignSize is called twice.
var ErrAlreadySized = errors.New("opportunity already sized")

// AssignSize sets the position size. It fails if a size was already assigned
// or size is not positive.
func (o *Opportunity) AssignSize(size decimal.Decimal) error {
	if o.sized {
		return ErrAlreadySized
	}
	if !size.IsPositive() {
		return ErrSizingZero
	}
	o.Size = size
	o.sized = true
	return nil
}

// Sized reports whether a size has been assigned.
func (o *Opportunity) Sized() bool { return o.sized }
