package storage

// sqlite.go — persistencia del bot en un solo archivo SQLite.
//
// Estrategia:
//   - Dinero como TEXT con strings decimales (shopspring/decimal en
//     memoria). Nunca REAL: los floats no son dinero.
//   - `whales`: una fila por wallet (UPSERT). El status solo avanza;
//     la democión pasa por DemoteWhale, nunca por el upsert.
//   - `copy_trades` + `bankroll_snapshots`: cada cambio de balance
//     escribe el trade y el snapshot en la misma transacción. Si algo
//     falla, no queda ni lo uno ni lo otro.
//   - Prune al arrancar: whale_trades y detector_reports > 30d. Los
//     snapshots y risk_events se conservan — el gate de promoción
//     necesita el histórico completo del run.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const schema = `
-- Whales rastreadas: una fila por wallet
CREATE TABLE IF NOT EXISTS whales (
    wallet_address   TEXT PRIMARY KEY,
    status           TEXT NOT NULL DEFAULT 'DISCOVERED',
    status_reason    TEXT NOT NULL DEFAULT '',
    first_seen_at    DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL,
    last_trade_at    DATETIME,
    total_trades     INTEGER NOT NULL DEFAULT 0,
    total_volume_usd TEXT NOT NULL DEFAULT '0',
    avg_trade_usd    TEXT NOT NULL DEFAULT '0',
    trades_last_3d   INTEGER NOT NULL DEFAULT 0,
    days_active      INTEGER NOT NULL DEFAULT 0,
    days_inactive    INTEGER NOT NULL DEFAULT 0,
    realized_pnl_usd TEXT NOT NULL DEFAULT '0',
    risk_score       INTEGER NOT NULL DEFAULT 10,
    rank             INTEGER NOT NULL DEFAULT 0,
    rank_score       REAL NOT NULL DEFAULT 0
);

-- Trades observados de las whales (dedup por external_id)
CREATE TABLE IF NOT EXISTS whale_trades (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id    TEXT NOT NULL UNIQUE,
    wallet_address TEXT NOT NULL,
    condition_id   TEXT NOT NULL,
    asset_id       TEXT NOT NULL DEFAULT '',
    side           TEXT NOT NULL,
    price          TEXT NOT NULL,
    size           TEXT NOT NULL DEFAULT '0',
    size_usd       TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL DEFAULT '',
    tx_hash        TEXT NOT NULL DEFAULT '',
    traded_at      DATETIME NOT NULL,
    recorded_at    DATETIME NOT NULL
);

-- Nuestras copias, abiertas y cerradas
CREATE TABLE IF NOT EXISTS copy_trades (
    trade_id       TEXT PRIMARY KEY,
    signal_id      TEXT NOT NULL DEFAULT '',
    wallet_address TEXT NOT NULL,
    condition_id   TEXT NOT NULL,
    asset_id       TEXT NOT NULL DEFAULT '',
    side           TEXT NOT NULL,
    mode           TEXT NOT NULL DEFAULT 'paper',
    exchange       TEXT NOT NULL DEFAULT 'VIRTUAL',
    status         TEXT NOT NULL DEFAULT 'OPEN',
    size_usd       TEXT NOT NULL,
    entry_price    TEXT NOT NULL,
    exit_price     TEXT NOT NULL DEFAULT '0',
    commission     TEXT NOT NULL DEFAULT '0',
    gas_cost_usd   TEXT NOT NULL DEFAULT '0',
    gross_pnl      TEXT NOT NULL DEFAULT '0',
    total_fees     TEXT NOT NULL DEFAULT '0',
    net_pnl        TEXT NOT NULL DEFAULT '0',
    executed_at    DATETIME NOT NULL,
    settled_at     DATETIME
);

-- Snapshot del bankroll tras cada cambio de balance y cada ciclo de métricas
CREATE TABLE IF NOT EXISTS bankroll_snapshots (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    recorded_at    DATETIME NOT NULL,
    label          TEXT NOT NULL DEFAULT 'trade',
    total_capital  TEXT NOT NULL,
    allocated      TEXT NOT NULL,
    available      TEXT NOT NULL,
    daily_pnl      TEXT NOT NULL DEFAULT '0',
    daily_drawdown TEXT NOT NULL DEFAULT '0',
    total_trades   INTEGER NOT NULL DEFAULT 0,
    win_count      INTEGER NOT NULL DEFAULT 0,
    loss_count     INTEGER NOT NULL DEFAULT 0
);

-- Auditoría de riesgo: denegaciones, degradación, kill switch
CREATE TABLE IF NOT EXISTS risk_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    recorded_at DATETIME NOT NULL,
    severity    TEXT NOT NULL,
    kind        TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    strategy    TEXT NOT NULL DEFAULT '',
    details     TEXT NOT NULL DEFAULT ''
);

-- Embudo de calificación por ciclo del detector
CREATE TABLE IF NOT EXISTS detector_reports (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_at           DATETIME NOT NULL,
    candidates         INTEGER NOT NULL DEFAULT 0,
    discovered         INTEGER NOT NULL DEFAULT 0,
    qualified          INTEGER NOT NULL DEFAULT 0,
    ranked             INTEGER NOT NULL DEFAULT 0,
    demoted            INTEGER NOT NULL DEFAULT 0,
    blocked_min_trades INTEGER NOT NULL DEFAULT 0,
    blocked_volume     INTEGER NOT NULL DEFAULT 0,
    blocked_recency    INTEGER NOT NULL DEFAULT 0,
    blocked_inactive   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_whales_status      ON whales(status);
CREATE INDEX IF NOT EXISTS idx_whales_rank        ON whales(rank);
CREATE INDEX IF NOT EXISTS idx_wtrades_wallet     ON whale_trades(wallet_address, traded_at DESC);
CREATE INDEX IF NOT EXISTS idx_wtrades_traded     ON whale_trades(traded_at DESC);
CREATE INDEX IF NOT EXISTS idx_copy_status        ON copy_trades(status);
CREATE INDEX IF NOT EXISTS idx_copy_wallet        ON copy_trades(wallet_address);
CREATE INDEX IF NOT EXISTS idx_copy_settled       ON copy_trades(settled_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_at       ON bankroll_snapshots(recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_risk_severity      ON risk_events(severity, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_reports_at         ON detector_reports(cycle_at DESC);
`

const (
	retentionWhaleTrades = 30 * 24 * time.Hour // trades de whales: 30 días
	retentionReports     = 30 * 24 * time.Hour // reportes del detector: 30 días
)

// SQLiteStorage implementa ports.Store usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada.
// Aplica el schema, corre las migraciones y limpia datos antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.migrate(context.Background())
	s.pruneOld(context.Background())
	return s, nil
}

// migrate añade columnas que pueden faltar en schemas viejos.
// Las sentencias fallan si la columna ya existe — ignorado a propósito.
func (s *SQLiteStorage) migrate(ctx context.Context) {
	for _, stmt := range []string{
		"ALTER TABLE whales ADD COLUMN realized_pnl_usd TEXT NOT NULL DEFAULT '0'",
		"ALTER TABLE whales ADD COLUMN rank_score REAL NOT NULL DEFAULT 0",
		"ALTER TABLE copy_trades ADD COLUMN signal_id TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE copy_trades ADD COLUMN asset_id TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE bankroll_snapshots ADD COLUMN label TEXT NOT NULL DEFAULT 'trade'",
	} {
		s.db.ExecContext(ctx, stmt)
	}
}

// pruneOld elimina datos antiguos para mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutTrades := time.Now().UTC().Add(-retentionWhaleTrades).Format(time.RFC3339)
	cutReports := time.Now().UTC().Add(-retentionReports).Format(time.RFC3339)
	s.db.ExecContext(ctx, `DELETE FROM whale_trades WHERE traded_at < ?`, cutTrades)
	s.db.ExecContext(ctx, `DELETE FROM detector_reports WHERE cycle_at < ?`, cutReports)
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// fmtTime serializa un instante como RFC3339 en UTC.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime deserializa un RFC3339; un valor ilegible queda en cero en
// vez de tumbar el scan completo.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// parseDec deserializa un string decimal; vacío o corrupto vale cero.
func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
