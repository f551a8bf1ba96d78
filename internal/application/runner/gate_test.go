package runner

import (
	"context"
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

func defaultGate() GateConfig {
	return GateConfig{
		MinRuntimeHours:  168,
		MinCapitalFactor: 1.25,
		MaxDrawdownPct:   0.20,
	}
}

var gateT0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newGateStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// seedEquity escribe la curva de equity: un snapshot por punto, con
// horas relativas a gateT0.
func seedEquity(t *testing.T, db *storage.SQLiteStorage, points map[float64]string) {
	t.Helper()
	hours := make([]float64, 0, len(points))
	for h := range points {
		hours = append(hours, h)
	}
	// El orden de inserción fija el id, y LatestSnapshot lee el último.
	for i := 0; i < len(hours); i++ {
		for j := i + 1; j < len(hours); j++ {
			if hours[j] < hours[i] {
				hours[i], hours[j] = hours[j], hours[i]
			}
		}
	}
	for _, h := range hours {
		total := dec(points[h])
		require.NoError(t, db.SaveSnapshot(context.Background(), domain.BankrollSnapshot{
			At:           gateT0.Add(time.Duration(h * float64(time.Hour))),
			Label:        domain.SnapshotEquity,
			TotalCapital: total,
			Available:    total,
		}))
	}
}

func TestEvaluateGate_FreshStoreNeverPasses(t *testing.T) {
	db := newGateStore(t)

	res, err := EvaluateGate(context.Background(), db, dec("100"), defaultGate())
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Equal(t, domain.RecommendPaper, res.Recommendation)
	assert.Len(t, res.Blockers, 2, "runtime y capital, got %v", res.Blockers)
	assert.InDelta(t, 1.0, res.CapitalFactor, 1e-9, "sin snapshots el capital es la semilla")
}

func TestEvaluateGate_PassingRecord(t *testing.T) {
	db := newGateStore(t)
	seedEquity(t, db, map[float64]string{0: "100", 80: "112", 170: "130"})

	res, err := EvaluateGate(context.Background(), db, dec("100"), defaultGate())
	require.NoError(t, err)

	assert.True(t, res.Passed, "blockers: %v", res.Blockers)
	assert.Equal(t, domain.RecommendLive, res.Recommendation)
	assert.InDelta(t, 170, res.RuntimeHours, 1e-6)
	assert.InDelta(t, 1.30, res.CapitalFactor, 1e-9)
	assert.Zero(t, res.CriticalEvents)
}

func TestEvaluateGate_CapitalShortfall(t *testing.T) {
	db := newGateStore(t)
	// $120 finales: buen run pero por debajo del factor 1.25.
	seedEquity(t, db, map[float64]string{0: "100", 170: "120"})

	res, err := EvaluateGate(context.Background(), db, dec("100"), defaultGate())
	require.NoError(t, err)

	assert.False(t, res.Passed)
	require.Len(t, res.Blockers, 1)
	assert.Contains(t, res.Blockers[0], "capital factor")
}

func TestEvaluateGate_DrawdownBlocks(t *testing.T) {
	db := newGateStore(t)
	// Pico 140, valle 105: drawdown 25% aunque termine en 130.
	seedEquity(t, db, map[float64]string{0: "100", 60: "140", 120: "105", 170: "130"})

	res, err := EvaluateGate(context.Background(), db, dec("100"), defaultGate())
	require.NoError(t, err)

	assert.False(t, res.Passed)
	require.Len(t, res.Blockers, 1)
	assert.Contains(t, res.Blockers[0], "max drawdown")
	assert.InDelta(t, 0.25, res.MaxDrawdown, 1e-9)
}

func TestEvaluateGate_CriticalEventBlocks(t *testing.T) {
	db := newGateStore(t)
	seedEquity(t, db, map[float64]string{0: "100", 170: "130"})
	require.NoError(t, db.InsertRiskEvent(context.Background(), domain.RiskEvent{
		At:       gateT0.Add(90 * time.Hour),
		Severity: domain.RiskCritical,
		Kind:     domain.RiskKindKillSwitch,
		Reason:   domain.KillReasonDailyLoss,
		Strategy: "copy_whale",
	}))

	res, err := EvaluateGate(context.Background(), db, dec("100"), defaultGate())
	require.NoError(t, err)

	assert.False(t, res.Passed)
	require.Len(t, res.Blockers, 1)
	assert.Contains(t, res.Blockers[0], "critical risk events")
	assert.Equal(t, 1, res.CriticalEvents)
}
