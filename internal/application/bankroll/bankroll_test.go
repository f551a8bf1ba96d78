package bankroll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianvm/whalebot/internal/adapters/storage"
	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestBankroll(t *testing.T) (*VirtualBankroll, *storage.SQLiteStorage) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, domain.ModePaper, dec("100")), db
}

func openReq(size string) (domain.OrderRequest, domain.Fill) {
	req := domain.OrderRequest{
		SignalID:   "sig-1",
		Whale:      "0xwhale",
		Market:     "0xmarket",
		AssetID:    "777",
		Side:       domain.SideBuy,
		SizeUSD:    dec(size),
		LimitPrice: dec("0.40"),
		Mode:       domain.ModePaper,
	}
	fill := domain.Fill{
		Price:      dec("0.40"),
		SizeUSD:    dec(size),
		Commission: dec(size).Mul(dec("0.002")),
		GasCostUSD: dec("1.50"),
		FilledAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	return req, fill
}

func closeFill(tradeID, exit, size string) domain.Fill {
	return domain.Fill{
		TradeID:    tradeID,
		Price:      dec(exit),
		SizeUSD:    dec(size),
		Commission: dec(size).Mul(dec("0.002")),
		FilledAt:   time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
	}
}

func total(b *VirtualBankroll) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available.Add(b.allocated)
}

func TestOpenPosition_Accounting(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	req, fill := openReq("5.00")
	trade, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)

	assert.NotEmpty(t, trade.TradeID)
	assert.Equal(t, domain.TradeOpen, trade.Status)
	assert.Equal(t, domain.ExchangeVirtual, trade.Exchange)

	// available −= size + comisión + gas; allocated += size.
	assert.True(t, b.available.Equal(dec("93.49")), "100 − 5 − 0.01 − 1.50, got %s", b.available)
	assert.True(t, b.allocated.Equal(dec("5.00")))

	// total = available + allocated en todo momento.
	assert.True(t, total(b).Equal(dec("98.49")))
}

func TestOpenPosition_ExactBalanceAllowed(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	// size + fees == available exactamente: se admite.
	req, fill := openReq("98.00")
	fill.Commission = dec("0.50") // 98 + 0.50 + 1.50 = 100 justos

	_, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)
	assert.True(t, b.available.IsZero(), "gastar todo el balance es válido, got %s", b.available)

	// Un céntimo más y se rechaza.
	b.Reset()
	fill.Commission = dec("0.51")
	_, err = b.OpenPosition(ctx, req, fill)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, b.available.Equal(dec("100")), "el rechazo no muta el estado")
}

func TestClosePosition_WinNet(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	req, fill := openReq("5.00")
	trade, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)

	closed, err := b.ClosePosition(ctx, closeFill(trade.TradeID, "0.50", "5.00"))
	require.NoError(t, err)

	// gross = 5 × (0.50−0.40)/0.40 = 1.25
	assert.True(t, closed.GrossPnL.Equal(dec("1.25")), "got %s", closed.GrossPnL)
	// net = gross − comisiones ambas patas (0.02) − gas (1.50)
	assert.True(t, closed.NetPnL.Equal(dec("-0.27")), "got %s", closed.NetPnL)
	assert.True(t, closed.TotalFees.Equal(dec("1.52")))
	assert.False(t, closed.IsWin(), "net negativo no es win aunque gross sea positivo")

	// available vuelve: seed + net.
	assert.True(t, b.available.Equal(dec("99.73")), "got %s", b.available)
	assert.True(t, b.allocated.IsZero())
}

func TestClosePosition_AtEntryNetIsFees(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	req, fill := openReq("5.00")
	trade, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)

	// Salir al precio de entrada: gross 0, net = −(comisiones+gas).
	closed, err := b.ClosePosition(ctx, closeFill(trade.TradeID, "0.40", "5.00"))
	require.NoError(t, err)

	assert.True(t, closed.GrossPnL.IsZero())
	assert.True(t, closed.NetPnL.Equal(dec("-1.52")), "got %s", closed.NetPnL)

	// Con todo cerrado: available = seed + Σnet, exacto, sin drift.
	assert.True(t, b.available.Equal(dec("98.48")), "got %s", b.available)
}

func TestClosePosition_SellSideNegatesGross(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	req, fill := openReq("6.00")
	req.Side = domain.SideSell
	trade, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)

	// SELL con el precio subiendo pierde: gross = −6×(0.5−0.4)/0.4 = −1.5.
	closed, err := b.ClosePosition(ctx, closeFill(trade.TradeID, "0.50", "6.00"))
	require.NoError(t, err)
	assert.True(t, closed.GrossPnL.Equal(dec("-1.5")), "got %s", closed.GrossPnL)
}

func TestClosePosition_UnknownID(t *testing.T) {
	b, _ := newTestBankroll(t)

	_, err := b.ClosePosition(context.Background(), closeFill("nope", "0.5", "5"))
	assert.ErrorIs(t, err, domain.ErrUnknownPosition)
}

func TestStats_StreakAndRates(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	// Dos pérdidas, una ganancia, una pérdida.
	exits := []string{"0.30", "0.30", "0.90", "0.30"}
	for _, exit := range exits {
		req, fill := openReq("5.00")
		trade, err := b.OpenPosition(ctx, req, fill)
		require.NoError(t, err)
		_, err = b.ClosePosition(ctx, closeFill(trade.TradeID, exit, "5.00"))
		require.NoError(t, err)
	}

	s := b.Stats()
	assert.Equal(t, 4, s.ClosedCount)
	assert.Equal(t, 1, s.WinCount)
	assert.Equal(t, 3, s.LossCount)
	assert.InDelta(t, 0.25, s.WinRate, 1e-9)
	assert.Equal(t, 2, s.MaxConsecutiveLosses, "la racha se corta con la ganancia")
}

func TestStats_ZeroSafe(t *testing.T) {
	b, _ := newTestBankroll(t)

	s := b.Stats()
	assert.Zero(t, s.WinRate)
	assert.Zero(t, s.ROI)
	assert.True(t, s.TotalNetPnL.IsZero())
}

func TestSnapshot_DrawdownFromPeak(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	req, fill := openReq("5.00")
	trade, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)
	_, err = b.ClosePosition(ctx, closeFill(trade.TradeID, "0.20", "5.00"))
	require.NoError(t, err)

	snap := b.Snapshot()
	assert.Equal(t, domain.SnapshotEquity, snap.Label)
	assert.True(t, snap.TotalCapital.Equal(snap.Available.Add(snap.Allocated)))
	// net = −2.50 − 0.02 − 1.50 = −4.02 sobre peak 100:
	// daily_drawdown = −dailyPnL/peak = 0.0402.
	assert.True(t, snap.DailyPnL.Equal(dec("-4.02")), "dailyPnL=%s", snap.DailyPnL)
	assert.True(t, snap.DailyDrawdown.Equal(dec("0.0402")), "dd=%s", snap.DailyDrawdown)
}

func TestSnapshot_DailyDrawdownKeepsWorstOfDay(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	// Una pérdida y después una ganancia que la recupera: el drawdown
	// del día se queda en el peor punto, no mejora con la remontada.
	req, fill := openReq("5.00")
	trade, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)
	_, err = b.ClosePosition(ctx, closeFill(trade.TradeID, "0.20", "5.00"))
	require.NoError(t, err)
	worst := b.Snapshot().DailyDrawdown

	req2, fill2 := openReq("5.00")
	trade2, err := b.OpenPosition(ctx, req2, fill2)
	require.NoError(t, err)
	_, err = b.ClosePosition(ctx, closeFill(trade2.TradeID, "0.80", "5.00"))
	require.NoError(t, err)

	snap := b.Snapshot()
	assert.True(t, snap.DailyDrawdown.Equal(worst), "dd=%s worst=%s", snap.DailyDrawdown, worst)
}

func TestResume_RestoresStateExactly(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	b := New(db, domain.ModePaper, dec("100"))

	// Una posición sigue abierta, otra cerró con pérdida.
	req, fill := openReq("5.00")
	stay, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)

	req2, fill2 := openReq("4.00")
	gone, err := b.OpenPosition(ctx, req2, fill2)
	require.NoError(t, err)
	_, err = b.ClosePosition(ctx, closeFill(gone.TradeID, "0.30", "4.00"))
	require.NoError(t, err)

	resumed, err := Resume(ctx, db, domain.ModePaper, dec("100"))
	require.NoError(t, err)

	assert.True(t, resumed.available.Equal(b.available),
		"available: resumed %s, live %s", resumed.available, b.available)
	assert.True(t, resumed.allocated.Equal(b.allocated))
	assert.Equal(t, 1, resumed.closedCount)
	assert.Equal(t, 1, resumed.lossCount)
	assert.Equal(t, 1, resumed.consecLosses)

	_, ok := resumed.OpenTrade(stay.TradeID)
	assert.True(t, ok, "la posición abierta sobrevive el restart")
	_, ok = resumed.OpenTrade(gone.TradeID)
	assert.False(t, ok)
}

func TestResume_EmptyStoreStartsFromSeed(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b, err := Resume(context.Background(), db, domain.ModePaper, dec("100"))
	require.NoError(t, err)
	assert.True(t, b.available.Equal(dec("100")))
	assert.True(t, b.allocated.IsZero())
}

// failingStore fuerza errores de persistencia para probar el rollback.
type failingStore struct {
	ports.TradeStore
	failInsert bool
	failClose  bool
}

func (f *failingStore) InsertCopyTrade(ctx context.Context, t domain.CopyTrade, snap domain.BankrollSnapshot) error {
	if f.failInsert {
		return &domain.PersistenceError{Op: "test.InsertCopyTrade", Err: errors.New("disk full")}
	}
	return f.TradeStore.InsertCopyTrade(ctx, t, snap)
}

func (f *failingStore) CloseCopyTrade(ctx context.Context, t domain.CopyTrade, snap domain.BankrollSnapshot) error {
	if f.failClose {
		return &domain.PersistenceError{Op: "test.CloseCopyTrade", Err: errors.New("disk full")}
	}
	return f.TradeStore.CloseCopyTrade(ctx, t, snap)
}

func TestOpenPosition_RollbackOnPersistFailure(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs := &failingStore{TradeStore: db, failInsert: true}
	b := New(fs, domain.ModePaper, dec("100"))

	req, fill := openReq("5.00")
	_, err = b.OpenPosition(context.Background(), req, fill)
	require.Error(t, err)

	var perr *domain.PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.True(t, b.available.Equal(dec("100")), "la memoria se revierte, got %s", b.available)
	assert.True(t, b.allocated.IsZero())
	assert.Empty(t, b.open)
}

func TestClosePosition_RollbackOnPersistFailure(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fs := &failingStore{TradeStore: db}
	b := New(fs, domain.ModePaper, dec("100"))
	ctx := context.Background()

	req, fill := openReq("5.00")
	trade, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)

	availBefore, allocBefore := b.available, b.allocated

	fs.failClose = true
	_, err = b.ClosePosition(ctx, closeFill(trade.TradeID, "0.50", "5.00"))
	require.Error(t, err)

	assert.True(t, b.available.Equal(availBefore))
	assert.True(t, b.allocated.Equal(allocBefore))
	assert.Equal(t, 0, b.closedCount, "los contadores también se revierten")
	_, ok := b.open[trade.TradeID]
	assert.True(t, ok, "la posición sigue abierta tras el fallo")

	// Con el store recuperado el cierre procede normal.
	fs.failClose = false
	_, err = b.ClosePosition(ctx, closeFill(trade.TradeID, "0.50", "5.00"))
	require.NoError(t, err)
}

func TestRollDay_ResetsDailyPnL(t *testing.T) {
	b, _ := newTestBankroll(t)
	ctx := context.Background()

	day1 := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return day1 }
	b.dailyKey = day1.Format(time.DateOnly)

	req, fill := openReq("5.00")
	trade, err := b.OpenPosition(ctx, req, fill)
	require.NoError(t, err)
	_, err = b.ClosePosition(ctx, closeFill(trade.TradeID, "0.30", "5.00"))
	require.NoError(t, err)
	require.True(t, b.Snapshot().DailyPnL.IsNegative())

	// Cruza la medianoche UTC: el acumulado diario vuelve a cero.
	b.now = func() time.Time { return day1.Add(2 * time.Hour) }
	assert.True(t, b.Snapshot().DailyPnL.IsZero())
}
