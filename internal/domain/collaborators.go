package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Advice is the answer of the advisory filter. Confidence is a percentage
// in [0,100].
type Advice struct {
	Approved   bool
	Confidence decimal.Decimal
	Reason     string
}

// Advisor is the external advisory/safety filter consulted before sizing.
type Advisor interface {
	Review(ctx context.Context, opp Opportunity) (Advice, error)
}

// Settler redeems both legs of a filled pair for collateral. It returns a
// transaction reference.
type Settler interface {
	Merge(ctx context.Context, marketID string, size decimal.Decimal) (string, error)
}

// Telemetry receives trade results and risk transitions. Implementations
// must not block the caller.
type Telemetry interface {
	RecordTrade(ctx context.Context, result TradeResult)
	RecordRiskEvent(ctx context.Context, event RiskEvent, state RiskState)
}
