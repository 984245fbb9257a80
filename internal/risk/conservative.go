package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// conservative tracks capital-preservation mode against a fixed base
// balance, state.StartingBalance, which the daily reset does not roll. It
// turns on below on*base and off at or above off*base; in between it keeps
// its current value.
type conservative struct {
	state domain.ConservativeState
	on    decimal.Decimal
	off   decimal.Decimal
}

func (c *conservative) update(balance decimal.Decimal, now time.Time) *domain.RiskEvent {
	base := c.state.StartingBalance
	if !c.state.Active {
		if balance.LessThan(base.Mul(c.on)) {
			c.state.Active = true
			c.state.ActivatedAt = now
			c.state.ActivationBalance = balance
			return &domain.RiskEvent{
				Type:   domain.RiskEventConservativeOn,
				Reason: "balance below activation fraction",
				Detail: map[string]any{"balance": balance.String(), "starting": base.String()},
				At:     now,
			}
		}
		return nil
	}
	if balance.GreaterThanOrEqual(base.Mul(c.off)) {
		c.state.Active = false
		c.state.ActivatedAt = time.Time{}
		return &domain.RiskEvent{
			Type:   domain.RiskEventConservativeOff,
			Reason: "balance recovered",
			Detail: map[string]any{"balance": balance.String(), "starting": base.String()},
			At:     now,
		}
	}
	return nil
}
