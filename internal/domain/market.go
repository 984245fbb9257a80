package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Asset is the underlying a binary market tracks, e.g. "BTC" or "ETH".
type Asset string

// Outcome identifies one side of a two-outcome market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is one of the two known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// SnapshotLeg is one priced outcome within a Snapshot.
type SnapshotLeg struct {
	TokenID string          `json:"token_id"`
	Outcome Outcome         `json:"outcome"`
	Price   decimal.Decimal `json:"price"`
}

// Snapshot is an immutable view of a two-outcome market at a point in time.
// It is produced by the market-data feed and consumed read-only.
type Snapshot struct {
	MarketID  string          `json:"market_id"`
	Asset     Asset           `json:"asset"`
	LegA      SnapshotLeg     `json:"leg_a"`
	LegB      SnapshotLeg     `json:"leg_b"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Deadline  time.Time       `json:"deadline"`
}

// Expired reports whether the snapshot's deadline has passed at now. A zero
// deadline never expires.
func (s Snapshot) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && !now.Before(s.Deadline)
}
