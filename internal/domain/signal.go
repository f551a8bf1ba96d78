package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode separates paper execution (virtual bankroll) from live execution
// (real CLOB orders). Everything upstream of the executor is identical.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// SignalSource says where a whale trade was observed first.
type SignalSource string

const (
	SourceStream SignalSource = "stream"
	SourcePoll   SignalSource = "poll"
)

// WhaleSignal is a tracked whale's trade plus the stats snapshot the
// sizing and risk checks need. The snapshot is taken at attribution
// time so a later re-rank cannot change a decision already in flight.
type WhaleSignal struct {
	SignalID   string
	Trade      WhaleTrade
	Status     WhaleStatus
	Stats      WhaleMetrics
	Rank       int     // 1..topN, 0 if not ranked
	RankNorm   float64 // 1.0 best, 0.0 worst within the top cohort
	Source     SignalSource
	DetectedAt time.Time
}

// DelayMs is the observed latency between the whale's fill and our
// attribution of it. Purely diagnostic.
func (s WhaleSignal) DelayMs() int64 {
	if s.Trade.TradedAt.IsZero() || s.DetectedAt.IsZero() {
		return 0
	}
	d := s.DetectedAt.Sub(s.Trade.TradedAt)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// CopyPosition is an open copy of a whale position, held in memory by
// the engine and keyed by the whale+market pair being mirrored.
type CopyPosition struct {
	TradeID     string // executor reference (bankroll trade id or order id)
	SignalID    string
	Whale       string
	Market      string
	AssetID     string
	Side        Side
	SizeUSD     decimal.Decimal
	EntryPrice  decimal.Decimal
	RiskAtOpen  int // whale risk score when we entered
	Mode        Mode
	OpenedAt    time.Time
}

// OrderRequest is what the engine hands the executor to open a copy.
type OrderRequest struct {
	SignalID   string
	Whale      string
	Market     string
	AssetID    string
	Side       Side
	SizeUSD    decimal.Decimal
	LimitPrice decimal.Decimal // whale's observed price
	Mode       Mode
}

// CloseRequest unwinds a previously opened copy at the given exit price
// (the whale's observed exit in paper mode, a real fill in live mode).
// Side is the side of the closing order, i.e. the opposite of the
// original entry.
type CloseRequest struct {
	TradeID   string
	Market    string
	AssetID   string
	Side      Side
	SizeUSD   decimal.Decimal // original entry size
	ExitPrice decimal.Decimal
}

// Fill is the executor's authoritative record of what actually
// happened: price and fees come from here, never from the request.
type Fill struct {
	TradeID    string
	Price      decimal.Decimal
	SizeUSD    decimal.Decimal
	Commission decimal.Decimal
	GasCostUSD decimal.Decimal
	ExternalID string // exchange order id or tx hash, empty for paper
	FilledAt   time.Time
}
