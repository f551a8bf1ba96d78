package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnState describes the websocket connection lifecycle as seen by
// consumers of the stream.
type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	// ConnDegraded means the stream is alive but dropping events
	// (backpressure) or reconnecting more often than it should.
	ConnDegraded ConnState = "degraded"
)

// StreamEvent is the closed set of events emitted by the market stream.
// Consumers type-switch on it; the marker method keeps the set closed.
type StreamEvent interface {
	streamEvent()
}

// MarketTrade is a fill observed on the public market channel.
type MarketTrade struct {
	AssetID    string
	Market     string // condition id
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal // shares
	Trader     string          // proxy wallet of the taker, may be empty
	TxHash     string
	Timestamp  time.Time
	ReceivedAt time.Time
}

// PriceChange is a top-of-book move for one asset.
type PriceChange struct {
	AssetID    string
	Market     string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Timestamp  time.Time
	ReceivedAt time.Time
}

// PriceLevel is one level of a book snapshot.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderbookDelta carries a book snapshot or partial update. Deltas are
// the first thing dropped under backpressure; trades never are.
type OrderbookDelta struct {
	AssetID    string
	Market     string
	Bids       []PriceLevel
	Asks       []PriceLevel
	Timestamp  time.Time
	ReceivedAt time.Time
}

// Heartbeat marks liveness (a PONG or any decoded frame on an idle link).
type Heartbeat struct {
	At time.Time
}

// ReasonAuthRejected marks a disconnect the stream will not retry:
// the endpoint refused our credentials. The supervisor treats it as
// fatal.
const ReasonAuthRejected = "auth rejected"

// ConnectionStateChange reports reconnects and degradation so the
// supervisor can log and persist them.
type ConnectionStateChange struct {
	State  ConnState
	Reason string
	At     time.Time
}

func (MarketTrade) streamEvent()           {}
func (PriceChange) streamEvent()           {}
func (OrderbookDelta) streamEvent()        {}
func (Heartbeat) streamEvent()             {}
func (ConnectionStateChange) streamEvent() {}
