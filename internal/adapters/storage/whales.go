package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
)

// UpsertWhale inserta o actualiza una whale. El status solo avanza
// (DISCOVERED < QUALIFIED < RANKED; REJECTED es terminal): el CASE del
// upsert ignora cualquier intento de retroceso, así el detector puede
// re-emitir estados viejos sin pisar una promoción concurrente.
// first_seen_at se escribe una sola vez; las métricas siempre.
func (s *SQLiteStorage) UpsertWhale(ctx context.Context, w domain.Whale) error {
	var lastTrade *string
	if !w.Metrics.LastTradeAt.IsZero() {
		t := fmtTime(w.Metrics.LastTradeAt)
		lastTrade = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whales (wallet_address, status, status_reason, first_seen_at, updated_at,
		                    last_trade_at, total_trades, total_volume_usd, avg_trade_usd,
		                    trades_last_3d, days_active, days_inactive, realized_pnl_usd,
		                    risk_score, rank, rank_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_address) DO UPDATE SET
			status = CASE
				WHEN whales.status = 'REJECTED' THEN whales.status
				WHEN excluded.status = 'REJECTED' THEN excluded.status
				WHEN excluded.status = 'RANKED' THEN excluded.status
				WHEN excluded.status = 'QUALIFIED' AND whales.status = 'DISCOVERED' THEN excluded.status
				ELSE whales.status
			END,
			status_reason    = excluded.status_reason,
			updated_at       = excluded.updated_at,
			last_trade_at    = excluded.last_trade_at,
			total_trades     = excluded.total_trades,
			total_volume_usd = excluded.total_volume_usd,
			avg_trade_usd    = excluded.avg_trade_usd,
			trades_last_3d   = excluded.trades_last_3d,
			days_active      = excluded.days_active,
			days_inactive    = excluded.days_inactive,
			realized_pnl_usd = excluded.realized_pnl_usd,
			risk_score       = excluded.risk_score,
			rank             = excluded.rank,
			rank_score       = excluded.rank_score
	`,
		w.Address, string(w.Status), w.StatusReason, fmtTime(w.FirstSeenAt), fmtTime(w.UpdatedAt),
		lastTrade, w.Metrics.TradeCount, w.Metrics.TotalVolumeUSD.String(), w.Metrics.AvgTradeUSD.String(),
		w.Metrics.TradesLast3Days, w.Metrics.DaysActive, w.Metrics.DaysInactive,
		w.Metrics.RealizedPnLUSD.String(), w.Metrics.RiskScore, w.Rank, w.RankScore,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "storage.UpsertWhale", Err: err}
	}
	return nil
}

// DemoteWhale es la transición descendente sancionada: una whale
// calificada o rankeada que dejó de cumplir el listón. Limpia el rank.
func (s *SQLiteStorage) DemoteWhale(ctx context.Context, address string, to domain.WhaleStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE whales SET status = ?, status_reason = ?, rank = 0, rank_score = 0, updated_at = ?
		WHERE wallet_address = ?`,
		string(to), reason, fmtTime(time.Now()), address,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "storage.DemoteWhale", Err: err}
	}
	return nil
}

// InsertWhaleTrade registra un trade observado. Devuelve false si el
// external_id ya existía (el stream y el poll ven los mismos trades).
func (s *SQLiteStorage) InsertWhaleTrade(ctx context.Context, t domain.WhaleTrade) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO whale_trades (external_id, wallet_address, condition_id, asset_id, side,
		                          price, size, size_usd, title, outcome, tx_hash,
		                          traded_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING`,
		t.ExternalID, t.Address, t.Market, t.AssetID, string(t.Side),
		t.Price.String(), t.Size.String(), t.SizeUSD.String(), t.Title, t.Outcome, t.TxHash,
		fmtTime(t.TradedAt), fmtTime(time.Now()),
	)
	if err != nil {
		return false, &domain.PersistenceError{Op: "storage.InsertWhaleTrade", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &domain.PersistenceError{Op: "storage.InsertWhaleTrade", Err: err}
	}
	return n > 0, nil
}

// WhaleTrades devuelve los trades de una whale desde since, el más
// nuevo primero.
func (s *SQLiteStorage) WhaleTrades(ctx context.Context, address string, since time.Time) ([]domain.WhaleTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_id, wallet_address, condition_id, asset_id, side,
		       price, size, size_usd, title, outcome, tx_hash, traded_at
		FROM whale_trades
		WHERE wallet_address = ? AND traded_at >= ?
		ORDER BY traded_at DESC`,
		address, fmtTime(since),
	)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "storage.WhaleTrades", Err: err}
	}
	defer rows.Close()

	var trades []domain.WhaleTrade
	for rows.Next() {
		var t domain.WhaleTrade
		var side, price, size, sizeUSD, tradedAt string
		if err := rows.Scan(&t.ExternalID, &t.Address, &t.Market, &t.AssetID, &side,
			&price, &size, &sizeUSD, &t.Title, &t.Outcome, &t.TxHash, &tradedAt); err != nil {
			return nil, &domain.PersistenceError{Op: "storage.WhaleTrades", Err: err}
		}
		t.Side = domain.Side(side)
		t.Price = parseDec(price)
		t.Size = parseDec(size)
		t.SizeUSD = parseDec(sizeUSD)
		t.TradedAt = parseTime(tradedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// LoadKnownWhales devuelve todas las whales, rechazadas incluidas, para
// precargar la caché del detector al arrancar. Las REJECTED viajan
// también: si no están en caché el detector las re-descubriría en cada
// ciclo.
func (s *SQLiteStorage) LoadKnownWhales(ctx context.Context) ([]domain.Whale, error) {
	return s.queryWhales(ctx, `
		SELECT wallet_address, status, status_reason, first_seen_at, updated_at, last_trade_at,
		       total_trades, total_volume_usd, avg_trade_usd, trades_last_3d, days_active,
		       days_inactive, realized_pnl_usd, risk_score, rank, rank_score
		FROM whales
		ORDER BY first_seen_at`)
}

// LoadTopWhales devuelve el top rankeado actual, mejor primero.
func (s *SQLiteStorage) LoadTopWhales(ctx context.Context, n int) ([]domain.Whale, error) {
	return s.queryWhales(ctx, `
		SELECT wallet_address, status, status_reason, first_seen_at, updated_at, last_trade_at,
		       total_trades, total_volume_usd, avg_trade_usd, trades_last_3d, days_active,
		       days_inactive, realized_pnl_usd, risk_score, rank, rank_score
		FROM whales WHERE status = 'RANKED' AND rank > 0
		ORDER BY rank ASC LIMIT ?`, n)
}

// RealizedPnL suma el net P&L de NUESTRAS copias cerradas de esta
// whale. La suma se hace en Go con decimales: CAST AS REAL en SQL
// redondearía dinero.
func (s *SQLiteStorage) RealizedPnL(ctx context.Context, address string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT net_pnl FROM copy_trades
		WHERE wallet_address = ? AND status = 'CLOSED'`, address)
	if err != nil {
		return decimal.Zero, &domain.PersistenceError{Op: "storage.RealizedPnL", Err: err}
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var net string
		if err := rows.Scan(&net); err != nil {
			return decimal.Zero, &domain.PersistenceError{Op: "storage.RealizedPnL", Err: err}
		}
		total = total.Add(parseDec(net))
	}
	return total, rows.Err()
}

// SaveDetectorReport persiste el embudo de calificación de un ciclo.
func (s *SQLiteStorage) SaveDetectorReport(ctx context.Context, r domain.DetectorReport) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detector_reports (cycle_at, candidates, discovered, qualified, ranked, demoted,
		                              blocked_min_trades, blocked_volume, blocked_recency, blocked_inactive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fmtTime(r.CycleAt), r.Candidates, r.Discovered, r.Qualified, r.Ranked, r.Demoted,
		r.BlockedMinTrades, r.BlockedVolume, r.BlockedRecency, r.BlockedInactive,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "storage.SaveDetectorReport", Err: err}
	}
	return nil
}

// queryWhales ejecuta un SELECT con las 16 columnas de whales y escanea
// las filas. Todas las lecturas de whales pasan por aquí.
func (s *SQLiteStorage) queryWhales(ctx context.Context, query string, args ...any) ([]domain.Whale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "storage.queryWhales", Err: err}
	}
	defer rows.Close()

	var whales []domain.Whale
	for rows.Next() {
		w, err := scanWhale(rows)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "storage.queryWhales", Err: err}
		}
		whales = append(whales, w)
	}
	return whales, rows.Err()
}

func scanWhale(rows *sql.Rows) (domain.Whale, error) {
	var w domain.Whale
	var status, firstSeen, updated, volume, avg, realized string
	var lastTrade sql.NullString

	err := rows.Scan(&w.Address, &status, &w.StatusReason, &firstSeen, &updated, &lastTrade,
		&w.Metrics.TradeCount, &volume, &avg, &w.Metrics.TradesLast3Days, &w.Metrics.DaysActive,
		&w.Metrics.DaysInactive, &realized, &w.Metrics.RiskScore, &w.Rank, &w.RankScore)
	if err != nil {
		return domain.Whale{}, fmt.Errorf("scan whale: %w", err)
	}

	w.Status = domain.WhaleStatus(status)
	w.FirstSeenAt = parseTime(firstSeen)
	w.UpdatedAt = parseTime(updated)
	if lastTrade.Valid {
		w.Metrics.LastTradeAt = parseTime(lastTrade.String)
	}
	w.Metrics.TotalVolumeUSD = parseDec(volume)
	w.Metrics.AvgTradeUSD = parseDec(avg)
	w.Metrics.RealizedPnLUSD = parseDec(realized)
	return w, nil
}
