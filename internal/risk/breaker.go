package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// lossCooldown returns the breaker cooldown for a losing streak.
func lossCooldown(streak int) time.Duration {
	switch {
	case streak >= 7:
		return 6 * time.Hour
	case streak >= 5:
		return 3 * time.Hour
	default:
		return time.Hour
	}
}

// breaker is the Closed/Open circuit breaker. It is only touched under the
// manager's sequencer.
type breaker struct {
	state domain.BreakerState
}

func (b *breaker) open(trigger domain.BreakerTrigger, reason string, cooldown time.Duration, losses int, now time.Time) domain.RiskEvent {
	b.state.Open = true
	b.state.Trigger = trigger
	b.state.Reason = reason
	b.state.OpenedAt = now
	b.state.Cooldown = cooldown
	b.state.CooldownUntil = now.Add(cooldown)
	b.state.TrippedAtLosses = losses
	b.state.ActivationCount++
	return domain.RiskEvent{
		Type:   domain.RiskEventBreakerOpen,
		Reason: reason,
		Detail: map[string]any{
			"trigger":        string(trigger),
			"cooldown":       cooldown.String(),
			"cooldown_until": b.state.CooldownUntil,
			"losses":         losses,
		},
		At: now,
	}
}

func (b *breaker) close(reason string, now time.Time) domain.RiskEvent {
	prev := b.state.Reason
	count := b.state.ActivationCount
	b.state = domain.BreakerState{ActivationCount: count}
	return domain.RiskEvent{
		Type:   domain.RiskEventBreakerClosed,
		Reason: reason,
		Detail: map[string]any{"tripped_by": prev},
		At:     now,
	}
}

// resetStreak is the loss streak left after a win or a daily reset. A closed
// breaker clears it. An open one never lets it fall below the streak it
// tripped at.
func (b *breaker) resetStreak(current int) int {
	if !b.state.Open {
		return 0
	}
	return max(current, b.state.TrippedAtLosses)
}

// expired reports whether an open breaker has served its cooldown.
func (b *breaker) expired(now time.Time) bool {
	return b.state.Open && !now.Before(b.state.CooldownUntil)
}

// evaluate trips the breaker from the current streak and daily P&L. It
// returns nil when the breaker stays as it is.
func (b *breaker) evaluate(perf domain.Performance, th domain.Thresholds, dayStart decimal.Decimal, drawdownCooldown time.Duration, now time.Time) *domain.RiskEvent {
	if b.state.Open {
		return nil
	}
	if perf.ConsecutiveLosses >= th.ConsecutiveLossLimit {
		ev := b.open(domain.BreakerTriggerLossStreak, fmt.Sprintf("%d consecutive losses", perf.ConsecutiveLosses),
			lossCooldown(perf.ConsecutiveLosses), perf.ConsecutiveLosses, now)
		return &ev
	}
	if dayStart.IsPositive() {
		dd := decimal.Min(perf.DailyPnL, decimal.Zero).Abs().Div(dayStart)
		if dd.GreaterThanOrEqual(th.DrawdownLimit) {
			ev := b.open(domain.BreakerTriggerDrawdown, fmt.Sprintf("daily drawdown %s >= %s", dd.StringFixed(4), th.DrawdownLimit),
				drawdownCooldown, perf.ConsecutiveLosses, now)
			return &ev
		}
	}
	return nil
}
