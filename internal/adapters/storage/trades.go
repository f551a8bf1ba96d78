package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/adrianvm/whalebot/internal/domain"
)

// InsertCopyTrade writes an opened trade and the resulting bankroll
// snapshot in one transaction. The bankroll relies on this atomicity to
// roll its in-memory state back when persistence fails.
func (s *SQLiteStorage) InsertCopyTrade(ctx context.Context, t domain.CopyTrade, snap domain.BankrollSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.PersistenceError{Op: "storage.InsertCopyTrade", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO copy_trades (trade_id, signal_id, wallet_address, condition_id, asset_id,
		                         side, mode, exchange, status, size_usd, entry_price,
		                         commission, gas_cost_usd, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.SignalID, t.Whale, t.Market, t.AssetID,
		string(t.Side), string(t.Mode), t.Exchange, string(t.Status),
		t.SizeUSD.String(), t.EntryPrice.String(),
		t.Commission.String(), t.GasCostUSD.String(), fmtTime(t.ExecutedAt),
	); err != nil {
		return &domain.PersistenceError{Op: "storage.InsertCopyTrade", Err: err}
	}

	if err := insertSnapshotTx(ctx, tx, snap); err != nil {
		return &domain.PersistenceError{Op: "storage.InsertCopyTrade", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &domain.PersistenceError{Op: "storage.InsertCopyTrade", Err: err}
	}
	return nil
}

// CloseCopyTrade settles a trade and writes the post-close snapshot in
// one transaction.
func (s *SQLiteStorage) CloseCopyTrade(ctx context.Context, t domain.CopyTrade, snap domain.BankrollSnapshot) error {
	if t.SettledAt == nil {
		return &domain.PersistenceError{Op: "storage.CloseCopyTrade", Err: fmt.Errorf("trade %s has no settled_at", t.TradeID)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.PersistenceError{Op: "storage.CloseCopyTrade", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE copy_trades
		SET status = 'CLOSED', exit_price = ?, commission = ?, gas_cost_usd = ?,
		    gross_pnl = ?, total_fees = ?, net_pnl = ?, settled_at = ?
		WHERE trade_id = ? AND status = 'OPEN'`,
		t.ExitPrice.String(), t.Commission.String(), t.GasCostUSD.String(),
		t.GrossPnL.String(), t.TotalFees.String(), t.NetPnL.String(),
		fmtTime(*t.SettledAt), t.TradeID,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "storage.CloseCopyTrade", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &domain.PersistenceError{Op: "storage.CloseCopyTrade",
			Err: fmt.Errorf("trade %s not open", t.TradeID)}
	}

	if err := insertSnapshotTx(ctx, tx, snap); err != nil {
		return &domain.PersistenceError{Op: "storage.CloseCopyTrade", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &domain.PersistenceError{Op: "storage.CloseCopyTrade", Err: err}
	}
	return nil
}

// OpenCopyTrades returns all trades still open, oldest first. Used to
// rebuild engine positions after a restart.
func (s *SQLiteStorage) OpenCopyTrades(ctx context.Context) ([]domain.CopyTrade, error) {
	return s.queryCopyTrades(ctx, `
		SELECT trade_id, signal_id, wallet_address, condition_id, asset_id, side, mode,
		       exchange, status, size_usd, entry_price, exit_price, commission,
		       gas_cost_usd, gross_pnl, total_fees, net_pnl, executed_at, settled_at
		FROM copy_trades WHERE status = 'OPEN'
		ORDER BY executed_at ASC`)
}

// ClosedCopyTrades returns all settled trades, oldest first.
func (s *SQLiteStorage) ClosedCopyTrades(ctx context.Context) ([]domain.CopyTrade, error) {
	return s.queryCopyTrades(ctx, `
		SELECT trade_id, signal_id, wallet_address, condition_id, asset_id, side, mode,
		       exchange, status, size_usd, entry_price, exit_price, commission,
		       gas_cost_usd, gross_pnl, total_fees, net_pnl, executed_at, settled_at
		FROM copy_trades WHERE status = 'CLOSED'
		ORDER BY settled_at ASC`)
}

// SaveSnapshot writes a standalone bankroll snapshot outside any trade
// transaction. The metrics loop labels these as equity samples.
func (s *SQLiteStorage) SaveSnapshot(ctx context.Context, snap domain.BankrollSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.PersistenceError{Op: "storage.SaveSnapshot", Err: err}
	}
	defer tx.Rollback()

	if err := insertSnapshotTx(ctx, tx, snap); err != nil {
		return &domain.PersistenceError{Op: "storage.SaveSnapshot", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &domain.PersistenceError{Op: "storage.SaveSnapshot", Err: err}
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, if any. The bankroll
// resumes from it on startup.
func (s *SQLiteStorage) LatestSnapshot(ctx context.Context) (domain.BankrollSnapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT recorded_at, label, total_capital, allocated, available,
		       daily_pnl, daily_drawdown, total_trades, win_count, loss_count
		FROM bankroll_snapshots ORDER BY id DESC LIMIT 1`)

	var snap domain.BankrollSnapshot
	var at, label, total, alloc, avail, daily, dd string
	err := row.Scan(&at, &label, &total, &alloc, &avail, &daily, &dd,
		&snap.TotalTrades, &snap.WinCount, &snap.LossCount)
	if err == sql.ErrNoRows {
		return domain.BankrollSnapshot{}, false, nil
	}
	if err != nil {
		return domain.BankrollSnapshot{}, false, &domain.PersistenceError{Op: "storage.LatestSnapshot", Err: err}
	}

	snap.At = parseTime(at)
	snap.Label = domain.SnapshotLabel(label)
	snap.TotalCapital = parseDec(total)
	snap.Allocated = parseDec(alloc)
	snap.Available = parseDec(avail)
	snap.DailyPnL = parseDec(daily)
	snap.DailyDrawdown = parseDec(dd)
	return snap, true, nil
}

// InsertRiskEvent appends to the risk audit log.
func (s *SQLiteStorage) InsertRiskEvent(ctx context.Context, e domain.RiskEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (recorded_at, severity, kind, reason, strategy, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fmtTime(e.At), string(e.Severity), e.Kind, e.Reason, e.Strategy, e.Details,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "storage.InsertRiskEvent", Err: err}
	}
	return nil
}

// CriticalRiskEvents counts CRITICAL events since the given time.
func (s *SQLiteStorage) CriticalRiskEvents(ctx context.Context, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM risk_events
		WHERE severity = 'CRITICAL' AND recorded_at >= ?`, fmtTime(since))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, &domain.PersistenceError{Op: "storage.CriticalRiskEvents", Err: err}
	}
	return n, nil
}

// insertSnapshotTx writes a snapshot inside an existing transaction.
func insertSnapshotTx(ctx context.Context, tx *sql.Tx, snap domain.BankrollSnapshot) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bankroll_snapshots (recorded_at, label, total_capital, allocated, available,
		                                daily_pnl, daily_drawdown, total_trades, win_count, loss_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(snap.At), string(snap.Label), snap.TotalCapital.String(), snap.Allocated.String(),
		snap.Available.String(), snap.DailyPnL.String(), snap.DailyDrawdown.String(),
		snap.TotalTrades, snap.WinCount, snap.LossCount,
	)
	return err
}

// queryCopyTrades runs a SELECT with the full copy_trades column list
// and scans the rows.
func (s *SQLiteStorage) queryCopyTrades(ctx context.Context, query string, args ...any) ([]domain.CopyTrade, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "storage.queryCopyTrades", Err: err}
	}
	defer rows.Close()

	var trades []domain.CopyTrade
	for rows.Next() {
		t, err := scanCopyTrade(rows)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "storage.queryCopyTrades", Err: err}
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanCopyTrade(rows *sql.Rows) (domain.CopyTrade, error) {
	var t domain.CopyTrade
	var side, mode, status string
	var size, entry, exit, comm, gas, gross, fees, net, executedAt string
	var settledAt sql.NullString

	err := rows.Scan(&t.TradeID, &t.SignalID, &t.Whale, &t.Market, &t.AssetID, &side, &mode,
		&t.Exchange, &status, &size, &entry, &exit, &comm, &gas, &gross, &fees, &net,
		&executedAt, &settledAt)
	if err != nil {
		return domain.CopyTrade{}, fmt.Errorf("scan copy trade: %w", err)
	}

	t.Side = domain.Side(side)
	t.Mode = domain.Mode(mode)
	t.Status = domain.TradeStatus(status)
	t.SizeUSD = parseDec(size)
	t.EntryPrice = parseDec(entry)
	t.ExitPrice = parseDec(exit)
	t.Commission = parseDec(comm)
	t.GasCostUSD = parseDec(gas)
	t.GrossPnL = parseDec(gross)
	t.TotalFees = parseDec(fees)
	t.NetPnL = parseDec(net)
	t.ExecutedAt = parseTime(executedAt)
	if settledAt.Valid {
		st := parseTime(settledAt.String)
		t.SettledAt = &st
	}
	return t, nil
}
