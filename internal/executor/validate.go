package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var one = decimal.NewFromInt(1)

// validateLeg checks a single order before submission.
func validateLeg(o domain.Order) error {
	switch {
	case o.TokenID == "":
		return fmt.Errorf("%w: empty token id", domain.ErrInvalidOrder)
	case !o.Outcome.Valid():
		return fmt.Errorf("%w: outcome %q", domain.ErrInvalidOrder, o.Outcome)
	case o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell:
		return fmt.Errorf("%w: side %q", domain.ErrInvalidOrder, o.Side)
	case o.Type != domain.OrderTypeFOK:
		return fmt.Errorf("%w: order type %s, want FOK", domain.ErrInvalidOrder, o.Type)
	case !o.Price.IsPositive() || o.Price.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: price %s outside (0,1)", domain.ErrInvalidOrder, o.Price)
	case !o.Size.IsPositive():
		return fmt.Errorf("%w: size %s", domain.ErrInvalidOrder, o.Size)
	}
	return nil
}

// validatePair checks that two legs form one hedged pair.
func validatePair(a, b domain.Order) error {
	if err := validateLeg(a); err != nil {
		return fmt.Errorf("leg a: %w", err)
	}
	if err := validateLeg(b); err != nil {
		return fmt.Errorf("leg b: %w", err)
	}
	if a.MarketID == "" || a.MarketID != b.MarketID {
		return fmt.Errorf("%w: legs on markets %q and %q", domain.ErrInvalidOrder, a.MarketID, b.MarketID)
	}
	if a.Outcome == b.Outcome {
		return fmt.Errorf("%w: both legs on %s", domain.ErrInvalidOrder, a.Outcome)
	}
	if !a.Size.Equal(b.Size) {
		return fmt.Errorf("%w: leg sizes %s and %s differ", domain.ErrInvalidOrder, a.Size, b.Size)
	}
	return nil
}

// withinSlippage reports whether fill is no worse than limit by more than
// tol (a fraction).
func withinSlippage(side domain.OrderSide, limit, fill, tol decimal.Decimal) bool {
	if side == domain.OrderSideSell {
		return fill.GreaterThanOrEqual(limit.Mul(one.Sub(tol)))
	}
	return fill.LessThanOrEqual(limit.Mul(one.Add(tol)))
}
