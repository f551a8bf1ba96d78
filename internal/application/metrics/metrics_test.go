package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianvm/whalebot/internal/adapters/storage"
	"github.com/adrianvm/whalebot/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var baseAt = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T) (*Aggregator, *storage.SQLiteStorage) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	a := New(db, db, dec("100"))
	a.now = func() time.Time { return baseAt }
	return a, db
}

// seedTrade abre (y opcionalmente cierra) un trade directo contra el
// store, con el snapshot de banca que acompaña a cada transición.
func seedTrade(t *testing.T, db *storage.SQLiteStorage, id string, asset string, entry, size, net string, total string, closed bool) {
	t.Helper()
	ctx := context.Background()

	trade := domain.CopyTrade{
		TradeID:    id,
		SignalID:   "sig-" + id,
		Whale:      "0xwhale",
		Market:     "0xmarket",
		AssetID:    asset,
		Side:       domain.SideBuy,
		Mode:       domain.ModePaper,
		Exchange:   domain.ExchangeVirtual,
		Status:     domain.TradeOpen,
		SizeUSD:    dec(size),
		EntryPrice: dec(entry),
		Commission: dec("0.01"),
		GasCostUSD: dec("1.50"),
		ExecutedAt: baseAt.Add(-2 * time.Hour),
	}
	snap := domain.BankrollSnapshot{
		At:           trade.ExecutedAt,
		Label:        domain.SnapshotTrade,
		TotalCapital: dec(total),
		Available:    dec(total).Sub(trade.SizeUSD),
		Allocated:    trade.SizeUSD,
	}
	require.NoError(t, db.InsertCopyTrade(ctx, trade, snap))

	if !closed {
		return
	}
	settled := baseAt.Add(-time.Hour)
	trade.Status = domain.TradeClosed
	trade.ExitPrice = dec(entry)
	trade.NetPnL = dec(net)
	trade.GrossPnL = dec(net).Add(dec("1.52"))
	trade.TotalFees = dec("1.52")
	trade.SettledAt = &settled
	snap.At = settled
	snap.TotalCapital = dec(total).Add(dec(net))
	snap.Allocated = decimal.Zero
	snap.Available = snap.TotalCapital
	require.NoError(t, db.CloseCopyTrade(ctx, trade, snap))
}

func TestReport_EmptyStoreIsAllZeros(t *testing.T) {
	a, _ := newTestAggregator(t)

	rep, err := a.Report(context.Background())
	require.NoError(t, err)

	assert.Zero(t, rep.ClosedTrades)
	assert.Zero(t, rep.OpenTrades)
	assert.Zero(t, rep.WinRate)
	assert.Zero(t, rep.ROI)
	assert.Zero(t, rep.MaxDrawdown)
	assert.True(t, rep.RealizedPnL.IsZero())
	assert.True(t, rep.Expectancy.IsZero())
	assert.True(t, rep.Bankroll.TotalCapital.Equal(dec("100")), "sin snapshots la banca es la semilla")
}

func TestReport_RealizedAndRates(t *testing.T) {
	a, db := newTestAggregator(t)

	seedTrade(t, db, "t1", "111", "0.40", "5.00", "5.00", "100", true)
	seedTrade(t, db, "t2", "222", "0.50", "4.00", "-2.00", "105", true)
	seedTrade(t, db, "t3", "333", "0.60", "4.00", "0", "103", false)

	rep, err := a.Report(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.ClosedTrades)
	assert.Equal(t, 1, rep.OpenTrades)
	assert.Equal(t, 1, rep.WinCount)
	assert.Equal(t, 1, rep.LossCount)
	assert.InDelta(t, 0.5, rep.WinRate, 1e-9)
	assert.True(t, rep.RealizedPnL.Equal(dec("3.00")), "got %s", rep.RealizedPnL)
	assert.True(t, rep.Expectancy.Equal(dec("1.5")))
	assert.InDelta(t, 0.03, rep.ROI, 1e-9, "último snapshot 103 sobre semilla 100")
	assert.Equal(t, 1, rep.Unpriced, "el abierto no tiene mark todavía")
}

func TestReport_UnrealizedFromPriceCache(t *testing.T) {
	a, db := newTestAggregator(t)

	seedTrade(t, db, "t1", "111", "0.40", "5.00", "0", "100", false)
	seedTrade(t, db, "t2", "222", "0.50", "4.00", "0", "100", false)

	a.ObservePrice("111", dec("0.48")) // 5 × (0.48−0.40)/0.40 = +1.00

	rep, err := a.Report(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.OpenTrades)
	assert.Equal(t, 1, rep.Unpriced)
	assert.True(t, rep.UnrealizedPnL.Equal(dec("1.00")), "got %s", rep.UnrealizedPnL)
}

func TestReport_WhaleCensusSkipsRejected(t *testing.T) {
	a, db := newTestAggregator(t)
	ctx := context.Background()

	for i, st := range []domain.WhaleStatus{domain.WhaleRanked, domain.WhaleQualified, domain.WhaleRejected} {
		require.NoError(t, db.UpsertWhale(ctx, domain.Whale{
			Address:     fmt.Sprintf("0xaa%d", i),
			Status:      st,
			FirstSeenAt: baseAt,
			UpdatedAt:   baseAt,
		}))
	}

	rep, err := a.Report(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.TrackedWhales)
	assert.Equal(t, 1, rep.RankedWhales)
}

func TestMaxDrawdown(t *testing.T) {
	points := func(vals ...string) []domain.EquityPoint {
		out := make([]domain.EquityPoint, len(vals))
		for i, v := range vals {
			out[i] = domain.EquityPoint{At: baseAt.Add(time.Duration(i) * time.Minute), TotalCapital: dec(v)}
		}
		return out
	}

	assert.Zero(t, MaxDrawdown(nil))
	assert.Zero(t, MaxDrawdown(points("100", "110", "120")), "subir no es drawdown")
	assert.InDelta(t, 0.2, MaxDrawdown(points("100", "110", "88", "120", "96")), 1e-9,
		"el valle 88 contra el pico 110")
}

func TestSample_WritesEquityPoint(t *testing.T) {
	a, db := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, a.Sample(ctx))

	points, err := db.EquityHistory(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, points[0].TotalCapital.Equal(dec("100")))

	snap, ok, err := db.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SnapshotEquity, snap.Label)
}

func TestObservePrice_IgnoresJunk(t *testing.T) {
	a, _ := newTestAggregator(t)

	a.ObservePrice("111", decimal.Zero)
	a.ObservePrice("111", dec("1.01"))
	a.ObservePrice("", dec("0.50"))
	if _, ok := a.Price("111"); ok {
		t.Fatal("junk prices must not land in the cache")
	}

	a.ObservePrice("111", dec("1")) // resolución: precio 1 es válido
	p, ok := a.Price("111")
	require.True(t, ok)
	assert.True(t, p.Equal(dec("1")))
}
