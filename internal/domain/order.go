package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeGTD OrderType = "GTD" // Good-Till-Date
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusMatched, OrderStatusCancelled, OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// Order is one leg submission. Price is the limit price; FillPrice and
// FilledSize are populated from exchange responses.
type Order struct {
	ID          string
	MarketID    string
	TokenID     string
	Outcome     Outcome
	Wallet      string
	Side        OrderSide
	Type        OrderType
	Price       decimal.Decimal
	Size        decimal.Decimal
	FillPrice   decimal.Decimal
	FilledSize  decimal.Decimal
	Status      OrderStatus
	Signature   string // EIP-712 hex
	CreatedAt   time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
}

// Notional returns Price * Size.
func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(o.Size)
}

// OrderResult wraps the API response after order submission.
type OrderResult struct {
	Success     bool
	OrderID     string
	Status      OrderStatus
	Message     string
	ShouldRetry bool
	FilledPrice decimal.Decimal // average fill price when matched
	FilledSize  decimal.Decimal
}
