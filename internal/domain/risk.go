package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Thresholds are the adaptive risk limits. They are always replaced as one
// value so readers never observe a mix of old and new limits.
type Thresholds struct {
	HeatLimit            decimal.Decimal `json:"heat_limit"`
	DrawdownLimit        decimal.Decimal `json:"drawdown_limit"`
	ConsecutiveLossLimit int             `json:"consecutive_loss_limit"`
	PerAssetLimit        int             `json:"per_asset_limit"`
}

// BreakerTrigger names the condition that opened the breaker.
type BreakerTrigger string

const (
	BreakerTriggerLossStreak BreakerTrigger = "loss_streak"
	BreakerTriggerDrawdown   BreakerTrigger = "drawdown"
)

// BreakerState is the circuit-breaker sub-state.
type BreakerState struct {
	Open            bool           `json:"open"`
	Trigger         BreakerTrigger `json:"trigger,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	OpenedAt        time.Time      `json:"opened_at,omitempty"`
	CooldownUntil   time.Time      `json:"cooldown_until,omitempty"`
	Cooldown        time.Duration  `json:"cooldown"`
	TrippedAtLosses int            `json:"tripped_at_losses"`
	ActivationCount int            `json:"activation_count"`
}

// ConservativeState is the conservative-mode sub-state.
type ConservativeState struct {
	Active            bool            `json:"active"`
	ActivatedAt       time.Time       `json:"activated_at,omitempty"`
	ActivationBalance decimal.Decimal `json:"activation_balance"`
	StartingBalance   decimal.Decimal `json:"starting_balance"`
	MinConfidence     decimal.Decimal `json:"min_confidence"`
}

// Performance holds the rolling trade counters.
type Performance struct {
	TotalTrades       int             `json:"total_trades"`
	Wins              int             `json:"wins"`
	Losses            int             `json:"losses"`
	ConsecutiveWins   int             `json:"consecutive_wins"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	WinRate           decimal.Decimal `json:"win_rate"`
	AvgWin            decimal.Decimal `json:"avg_win"`
	AvgLoss           decimal.Decimal `json:"avg_loss"`
	DailyPnL          decimal.Decimal `json:"daily_pnl"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
}

// RiskState is a read-only copy of the risk manager's state.
type RiskState struct {
	StartingBalance decimal.Decimal           `json:"starting_balance"`
	CurrentBalance  decimal.Decimal           `json:"current_balance"`
	Thresholds      Thresholds                `json:"thresholds"`
	Performance     Performance               `json:"performance"`
	Breaker         BreakerState              `json:"breaker"`
	Conservative    ConservativeState         `json:"conservative"`
	OpenPositions   map[Asset]int             `json:"open_positions"`
	Exposure        map[Asset]decimal.Decimal `json:"exposure"`
	Diversification decimal.Decimal           `json:"diversification"`
	DayStart        time.Time                 `json:"day_start"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// RejectReason is a machine-readable cause for a risk rejection.
type RejectReason string

const (
	ReasonCircuitBreakerOpen     RejectReason = "circuit_breaker_open"
	ReasonPerAssetLimit          RejectReason = "per_asset_limit"
	ReasonHeatLimit              RejectReason = "heat_limit"
	ReasonSingleExposure         RejectReason = "single_exposure_cap"
	ReasonCorrelatedExposure     RejectReason = "correlated_exposure_cap"
	ReasonConservativeConfidence RejectReason = "conservative_confidence"
	ReasonAdvisorRejected        RejectReason = "advisor_rejected"
	ReasonMarketInFlight         RejectReason = "market_in_flight"
	ReasonNoCapital              RejectReason = "no_capital"
	ReasonCancelled              RejectReason = "cancelled"
)

// Decision is the answer of every risk gate. Reason is empty when Allowed.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Reason  RejectReason `json:"reason,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// Allow is the approving Decision.
func Allow() Decision { return Decision{Allowed: true} }

// Reject builds a rejecting Decision.
func Reject(reason RejectReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Err converts a rejecting decision to a *RiskRejectedError, or nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RiskRejectedError{Reason: d.Reason, Detail: d.Detail}
}

// RiskEventType names a risk state transition.
type RiskEventType string

const (
	RiskEventBreakerOpen       RiskEventType = "breaker_open"
	RiskEventBreakerClosed     RiskEventType = "breaker_closed"
	RiskEventConservativeOn    RiskEventType = "conservative_on"
	RiskEventConservativeOff   RiskEventType = "conservative_off"
	RiskEventThresholdsAdapted RiskEventType = "thresholds_adapted"
	RiskEventDailyReset        RiskEventType = "daily_reset"
)

// RiskEvent records one risk state transition.
type RiskEvent struct {
	Type   RiskEventType  `json:"type"`
	Reason string         `json:"reason,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}
