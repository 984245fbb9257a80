package domain

// Bus channels and streams.
const (
	ChannelSnapshots = "arb:snapshots"
	ChannelTrades    = "arb:trades"
	ChannelRisk      = "arb:risk"
	ChannelControl   = "arb:control"
	StreamTrades     = "stream:arb:trades"
)

// RiskEnvelope is the payload published on ChannelRisk.
type RiskEnvelope struct {
	Event RiskEvent `json:"event"`
	State RiskState `json:"state"`
}

// Control actions accepted on ChannelControl.
const (
	ControlResetBreaker = "reset_breaker"
)

// ControlCommand asks a running engine to act on its risk state. It lets an
// API-only process drive an engine it does not host.
type ControlCommand struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// BotStatus is a summary of the engine's current operational state.
type BotStatus struct {
	Mode          string `json:"mode"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	BreakerOpen   bool   `json:"breaker_open"`
	Conservative  bool   `json:"conservative"`
	TotalTrades   int    `json:"total_trades"`
}
