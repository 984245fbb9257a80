package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")
	ErrInvalidInput  = errors.New("invalid input")

	// Engine outcomes.
	ErrNoOpportunity          = errors.New("no opportunity")
	ErrUnsupportedOpportunity = errors.New("unsupported opportunity kind")
	ErrRiskRejected           = errors.New("risk rejected")
	ErrSizingZero             = errors.New("position size below minimum")
	ErrLegTimeout             = errors.New("leg timed out")
	ErrLegSlippageExceeded    = errors.New("leg slippage exceeded")
	ErrPartialFill            = errors.New("partial fill")
	ErrCleanFailure           = errors.New("clean failure")
)

// RiskRejectedError carries the machine-readable rejection reason.
type RiskRejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RiskRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("risk rejected: %s", e.Reason)
	}
	return fmt.Sprintf("risk rejected: %s: %s", e.Reason, e.Detail)
}

// Is makes errors.Is(err, ErrRiskRejected) match.
func (e *RiskRejectedError) Is(target error) bool { return target == ErrRiskRejected }

// PartialFillError reports an unhedged position: exactly one leg filled.
type PartialFillError struct {
	MarketID   string
	FilledLeg  LegFill
	MissingLeg LegFill
}

func (e *PartialFillError) Error() string {
	return fmt.Sprintf("partial fill on market %s: %s leg %s filled %s @ %s, %s leg not filled",
		e.MarketID, e.FilledLeg.Outcome, e.FilledLeg.OrderID,
		e.FilledLeg.Size, e.FilledLeg.FillPrice, e.MissingLeg.Outcome)
}

// Is makes errors.Is(err, ErrPartialFill) match.
func (e *PartialFillError) Is(target error) bool { return target == ErrPartialFill }

// Exposure returns the capital left one-sided by the partial fill.
func (e *PartialFillError) Exposure() decimal.Decimal {
	return e.FilledLeg.FillPrice.Mul(e.FilledLeg.Size)
}

// CleanFailureError reports that neither leg was accepted. Causes holds the
// per-leg errors (timeouts, slippage, rejections). Slipped lists legs that
// did fill, outside the slippage band; their cost is real.
type CleanFailureError struct {
	MarketID string
	Causes   []error
	Slipped  []LegFill
}

func (e *CleanFailureError) Error() string {
	if len(e.Causes) == 0 {
		return "clean failure on market " + e.MarketID
	}
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, c.Error())
	}
	return fmt.Sprintf("clean failure on market %s: %s", e.MarketID, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrCleanFailure) match.
func (e *CleanFailureError) Is(target error) bool { return target == ErrCleanFailure }

// Unwrap exposes the leg errors to errors.Is/As.
func (e *CleanFailureError) Unwrap() []error { return e.Causes }
