package ports

import (
	"context"
	"time"

	"github.com/adrianvm/whalebot/internal/domain"
)

// TradeStore persists copy trades, bankroll snapshots and risk events.
type TradeStore interface {
	// InsertCopyTrade writes an opened trade and the resulting bankroll
	// snapshot in one transaction. If either write fails neither lands.
	InsertCopyTrade(ctx context.Context, t domain.CopyTrade, snap domain.BankrollSnapshot) error

	// CloseCopyTrade settles a trade (exit price, fees, net PnL) and
	// writes the post-close snapshot in one transaction.
	CloseCopyTrade(ctx context.Context, t domain.CopyTrade, snap domain.BankrollSnapshot) error

	// OpenCopyTrades returns all trades still open, oldest first.
	OpenCopyTrades(ctx context.Context) ([]domain.CopyTrade, error)

	// ClosedCopyTrades returns all settled trades, oldest first.
	ClosedCopyTrades(ctx context.Context) ([]domain.CopyTrade, error)

	// SaveSnapshot writes a standalone bankroll snapshot (the metrics
	// loop uses this for the equity curve).
	SaveSnapshot(ctx context.Context, s domain.BankrollSnapshot) error

	// LatestSnapshot returns the most recent snapshot, if any.
	LatestSnapshot(ctx context.Context) (domain.BankrollSnapshot, bool, error)

	// EquityHistory returns the total-capital series since from.
	EquityHistory(ctx context.Context, from time.Time) ([]domain.EquityPoint, error)

	// DailyStats aggregates closed trades per UTC day.
	DailyStats(ctx context.Context) ([]domain.DailyStat, error)

	// InsertRiskEvent appends to the risk audit log.
	InsertRiskEvent(ctx context.Context, e domain.RiskEvent) error

	// CriticalRiskEvents counts CRITICAL events since the given time.
	// The promotion gate refuses live mode when this is non-zero.
	CriticalRiskEvents(ctx context.Context, since time.Time) (int, error)
}
