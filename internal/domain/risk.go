package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskSeverity grades persisted risk events. Critical events block the
// live-promotion gate.
type RiskSeverity string

const (
	RiskInfo     RiskSeverity = "INFO"
	RiskWarning  RiskSeverity = "WARNING"
	RiskCritical RiskSeverity = "CRITICAL"
)

// Risk event kinds. Kept as plain strings in storage so new kinds
// don't need a migration.
const (
	RiskKindDenied      = "trade_denied"
	RiskKindKillSwitch  = "kill_switch"
	RiskKindDegraded    = "stream_degraded"
	RiskKindExecFailure = "exec_failure"
	RiskKindUnwind      = "emergency_unwind"
)

// Kill switch trigger reasons.
const (
	KillReasonDrawdown    = "single_trade_drawdown"
	KillReasonDailyLoss   = "daily_loss_limit"
	KillReasonLossStreak  = "consecutive_losses"
	KillReasonExecFailure = "execution_failures"
	KillReasonManual      = "manual"
)

// RiskEvent is an audit row for every denial, degradation and kill
// switch engagement.
type RiskEvent struct {
	At       time.Time
	Severity RiskSeverity
	Kind     string
	Reason   string
	Strategy string // "copy_whale" for now
	Details  string // free-form context (market, size, limits hit)
}

// TradeCheck is the input to the pre-trade risk evaluation. The engine
// fills in the exposure numbers; the risk manager owns the limits and
// its own counters.
type TradeCheck struct {
	Market         string
	SizeUSD        decimal.Decimal
	Mode           Mode
	BankrollTotal  decimal.Decimal
	TotalExposure  decimal.Decimal // allocated, before this trade
	MarketExposure decimal.Decimal // allocated to this market, before this trade
	GasGwei        decimal.Decimal // live mode only, zero otherwise
}
