package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the lifecycle of a copy trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Exchange labels where a copy trade was (virtually) executed.
const (
	ExchangeVirtual = "VIRTUAL"
	ExchangeCLOB    = "CLOB"
)

// CopyTrade is the persisted record of one copy, open or closed.
// Money fields are decimal strings in storage; zero values on the
// close-side fields mean the trade is still open.
type CopyTrade struct {
	TradeID    string // uuid
	SignalID   string
	Whale      string
	Market     string
	AssetID    string
	Side       Side
	Mode       Mode
	Exchange   string
	Status     TradeStatus
	SizeUSD    decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Commission decimal.Decimal // both legs once closed
	GasCostUSD decimal.Decimal // both legs once closed
	GrossPnL   decimal.Decimal
	TotalFees  decimal.Decimal
	NetPnL     decimal.Decimal
	ExecutedAt time.Time
	SettledAt  *time.Time
}

// IsWin reports whether a closed trade ended with positive net PnL.
// Break-even counts as a loss.
func (t CopyTrade) IsWin() bool {
	return t.Status == TradeClosed && t.NetPnL.IsPositive()
}

// GrossPnL computes the notional-relative PnL of a position of sizeUSD
// entered at entry and exited at exit: size × (exit−entry)/entry for
// buys, negated for sells. A non-positive entry yields zero.
func GrossPnL(side Side, sizeUSD, entry, exit decimal.Decimal) decimal.Decimal {
	if !entry.IsPositive() {
		return decimal.Zero
	}
	gross := sizeUSD.Mul(exit.Sub(entry)).Div(entry)
	if side == SideSell {
		return gross.Neg()
	}
	return gross
}

// UnrealizedPnL marks an open position against the latest observed
// price. Same formula as GrossPnL, fees not included.
func (p CopyPosition) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	return GrossPnL(p.Side, p.SizeUSD, p.EntryPrice, mark)
}

// SnapshotLabel distinguishes trade-driven snapshots from periodic
// equity snapshots written by the metrics loop.
type SnapshotLabel string

const (
	SnapshotTrade  SnapshotLabel = "trade"
	SnapshotEquity SnapshotLabel = "equity"
)

// BankrollSnapshot is a point-in-time view of the virtual bankroll,
// persisted after every balance change and on each metrics cycle.
type BankrollSnapshot struct {
	At            time.Time
	Label         SnapshotLabel
	TotalCapital  decimal.Decimal // available + allocated
	Allocated     decimal.Decimal
	Available     decimal.Decimal
	DailyPnL      decimal.Decimal
	DailyDrawdown decimal.Decimal // fraction of peak capital, >= 0
	TotalTrades   int
	WinCount      int
	LossCount     int
}

// BankrollStats summarizes the bankroll's closed-trade performance.
// Win rate here is over our own closed copies only.
type BankrollStats struct {
	OpenCount            int
	ClosedCount          int
	WinCount             int
	LossCount            int
	WinRate              float64 // 0 when no trades closed yet
	TotalNetPnL          decimal.Decimal
	ROI                  float64 // (total − seed) / seed, 0 on zero seed
	MaxConsecutiveLosses int     // worst losing streak observed
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	At           time.Time
	TotalCapital decimal.Decimal
}

// DailyStat aggregates closed trades per UTC day.
type DailyStat struct {
	Date    time.Time // UTC midnight
	Trades  int
	Wins    int
	Losses  int
	NetPnL  decimal.Decimal
	WinRate float64
}

// MetricsReport is the periodic performance rollup shown in status
// lines and the final report.
type MetricsReport struct {
	At            time.Time
	Bankroll      BankrollSnapshot
	OpenTrades    int
	ClosedTrades  int
	WinCount      int
	LossCount     int
	WinRate       float64
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Unpriced      int // open positions with no mark available
	Expectancy    decimal.Decimal
	ROI           float64
	MaxDrawdown   float64 // fraction of peak capital over the whole run
	TrackedWhales int
	RankedWhales  int
}

// GateResult is the live-promotion verdict computed from paper history.
type GateResult struct {
	Passed         bool
	Blockers       []string
	RuntimeHours   float64
	CapitalFactor  float64 // final capital / seed
	MaxDrawdown    float64
	CriticalEvents int
	Recommendation string
}

// Recommendation strings shown in the final report.
const (
	RecommendLive  = "READY FOR LIVE TRADING"
	RecommendPaper = "CONTINUE PAPER TRADING"
)

// FinalReport is everything the end-of-run report needs.
type FinalReport struct {
	Mode      Mode
	StartedAt time.Time
	EndedAt   time.Time
	Seed      decimal.Decimal
	Metrics   MetricsReport
	Daily     []DailyStat
	Gate      GateResult
}

// Runtime is the wall-clock span of the run.
func (r FinalReport) Runtime() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
