package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
)

// WhaleStore persists tracked whales and their observed trades.
type WhaleStore interface {
	// UpsertWhale inserts or updates a whale. Status only moves forward
	// (DISCOVERED < QUALIFIED < RANKED, REJECTED terminal) and
	// first_seen_at is write-once; metrics and rank always update.
	UpsertWhale(ctx context.Context, w domain.Whale) error

	// DemoteWhale is the sanctioned downward transition: a qualified or
	// ranked whale that stopped meeting the bar. Rank is cleared.
	DemoteWhale(ctx context.Context, address string, to domain.WhaleStatus, reason string) error

	// InsertWhaleTrade records an observed whale trade. Returns false
	// if the trade was already known (idempotent on external id).
	InsertWhaleTrade(ctx context.Context, t domain.WhaleTrade) (bool, error)

	// WhaleTrades returns the trades of one whale since the given time,
	// newest first.
	WhaleTrades(ctx context.Context, address string, since time.Time) ([]domain.WhaleTrade, error)

	// LoadKnownWhales returns every whale, rejected ones included, for
	// priming the detector cache on startup. The cache needs rejected
	// entries too or it would rediscover them every cycle.
	LoadKnownWhales(ctx context.Context) ([]domain.Whale, error)

	// LoadTopWhales returns the current ranked set, best first.
	LoadTopWhales(ctx context.Context, n int) ([]domain.Whale, error)

	// RealizedPnL sums the net PnL of OUR closed copies of this whale.
	RealizedPnL(ctx context.Context, address string) (decimal.Decimal, error)

	// SaveDetectorReport persists the per-cycle qualification funnel.
	SaveDetectorReport(ctx context.Context, r domain.DetectorReport) error
}
