package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus classifies the outcome of one paired execution.
type TradeStatus string

const (
	TradeSuccess      TradeStatus = "success"
	TradeCleanFailure TradeStatus = "clean_failure"
	TradePartialFill  TradeStatus = "partial_fill"
)

// LegFill is the outcome of one order leg. Filled reports whether the
// exchange matched the order; Accepted additionally requires the fill to be
// within slippage tolerance.
type LegFill struct {
	OrderID    string          `json:"order_id"`
	TokenID    string          `json:"token_id"`
	Outcome    Outcome         `json:"outcome"`
	Side       OrderSide       `json:"side"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	Size       decimal.Decimal `json:"size"`
	Filled     bool            `json:"filled"`
	Accepted   bool            `json:"accepted"`
	Status     OrderStatus     `json:"status"`
	Error      string          `json:"error,omitempty"`
	// Latency is submission to terminal state.
	Latency time.Duration `json:"latency_ns,omitempty"`
}

// TradeResult is the outcome of one arbitrage attempt.
type TradeResult struct {
	ID             string          `json:"id"`
	MarketID       string          `json:"market_id"`
	Asset          Asset           `json:"asset"`
	Kind           string          `json:"kind"`
	Status         TradeStatus     `json:"status"`
	LegA           LegFill         `json:"leg_a"`
	LegB           LegFill         `json:"leg_b"`
	Size           decimal.Decimal `json:"size"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	ActualCost     decimal.Decimal `json:"actual_cost"`
	ActualProfit   decimal.Decimal `json:"actual_profit"`
	GasCost        decimal.Decimal `json:"gas_cost"`
	NetProfit      decimal.Decimal `json:"net_profit"`
	SettlementTx   string          `json:"settlement_tx,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// Win reports whether the trade settled with non-negative net profit.
func (t TradeResult) Win() bool {
	return t.Status == TradeSuccess && !t.NetProfit.IsNegative()
}
