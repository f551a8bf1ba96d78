package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianvm/whalebot/internal/adapters/paper"
	"github.com/adrianvm/whalebot/internal/adapters/storage"
	"github.com/adrianvm/whalebot/internal/application/bankroll"
	"github.com/adrianvm/whalebot/internal/application/risk"
	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// notifyRecorder captura las notificaciones del engine y del risk
// manager.
type notifyRecorder struct {
	mu     sync.Mutex
	opened []domain.CopyTrade
	closed []domain.CopyTrade
	alerts []domain.RiskEvent
}

func (r *notifyRecorder) WhaleEvent(context.Context, domain.WhaleEvent) {}

func (r *notifyRecorder) TradeOpened(_ context.Context, t domain.CopyTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, t)
}

func (r *notifyRecorder) TradeClosed(_ context.Context, t domain.CopyTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, t)
}

func (r *notifyRecorder) RiskAlert(_ context.Context, e domain.RiskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, e)
}

func (r *notifyRecorder) Status(context.Context, domain.MetricsReport) {}
func (r *notifyRecorder) Final(context.Context, domain.FinalReport)    {}

type harness struct {
	engine   *Engine
	bankroll *bankroll.VirtualBankroll
	risk     *risk.Manager
	store    *storage.SQLiteStorage
	notify   *notifyRecorder
}

func defaultLimits() risk.Limits {
	return risk.Limits{
		DailyLossLimitUSD:      dec("10"),
		MaxExposurePct:         dec("0.80"),
		MaxMarketExposurePct:   dec("0.25"),
		SingleTradeDrawdownPct: dec("0.05"),
		MaxConsecutiveLosses:   3,
		MaxExecFailures:        3,
		ExecFailureWindow:      10 * time.Minute,
		MaxGasGwei:             dec("100"),
	}
}

// newHarness arma el pipeline real: bankroll sobre SQLite en memoria,
// risk manager con límites por defecto y el executor de paper.
func newHarness(t *testing.T, exec ports.Executor, scaleIn bool) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &notifyRecorder{}
	bank := bankroll.New(db, domain.ModePaper, dec("100"))
	riskMgr := risk.New(db, rec, domain.ModePaper, defaultLimits())
	if exec == nil {
		exec = paper.NewExecutor(dec("0.002"), dec("1.50"))
	}

	eng := New(Config{
		Sizing:  domain.DefaultSizingParams(),
		Mode:    domain.ModePaper,
		ScaleIn: scaleIn,
	}, bank, riskMgr, exec, nil, rec)

	return &harness{engine: eng, bankroll: bank, risk: riskMgr, store: db, notify: rec}
}

var sigSeq int

// makeSignal fabrica la señal de una whale rankeada #1 operando size
// shares a price.
func makeSignal(market string, side domain.Side, price, shares string) domain.WhaleSignal {
	sigSeq++
	p, s := dec(price), dec(shares)
	tradedAt := time.Now().UTC().Add(time.Duration(sigSeq) * time.Second)
	return domain.WhaleSignal{
		SignalID: fmt.Sprintf("sig-%d", sigSeq),
		Trade: domain.WhaleTrade{
			ExternalID: fmt.Sprintf("ext-%d", sigSeq),
			Address:    "0xwhale",
			Market:     market,
			AssetID:    "777",
			Side:       side,
			Price:      p,
			Size:       s,
			SizeUSD:    s.Mul(p),
			TradedAt:   tradedAt,
		},
		Status:     domain.WhaleRanked,
		Stats:      domain.WhaleMetrics{RiskScore: 3},
		Rank:       1,
		RankNorm:   1.0,
		Source:     domain.SourceStream,
		DetectedAt: tradedAt,
	}
}

func TestHandleSignal_OpensKellySizedCopy(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	// Whale #1 compra $500 a 0.40; con $100 de banca la copia sale de
	// exactamente $5.00 (quarter-Kelly capado al 5%).
	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))

	positions := h.engine.OpenPositions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].SizeUSD.Equal(dec("5.00")), "got %s", positions[0].SizeUSD)
	assert.True(t, positions[0].EntryPrice.Equal(dec("0.40")))
	assert.Equal(t, 3, positions[0].RiskAtOpen)

	require.Len(t, h.notify.opened, 1)
	assert.Equal(t, domain.TradeOpen, h.notify.opened[0].Status)

	snap := h.bankroll.Snapshot()
	assert.True(t, snap.Allocated.Equal(dec("5.00")))
}

func TestHandleSignal_RejectsByStatusAndRiskScore(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	sig := makeSignal("0xm1", domain.SideBuy, "0.40", "1250")
	sig.Status = domain.WhaleDiscovered
	h.engine.HandleSignal(ctx, sig)

	sig = makeSignal("0xm1", domain.SideBuy, "0.40", "1250")
	sig.Stats.RiskScore = 7
	h.engine.HandleSignal(ctx, sig)

	assert.Empty(t, h.engine.OpenPositions())
	assert.Equal(t, int64(2), h.engine.Rejected())
}

func TestHandleSignal_MalformedTradeSkipped(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	sig := makeSignal("0xm1", domain.SideBuy, "0.40", "1250")
	sig.Trade.Price = decimal.Zero
	h.engine.HandleSignal(ctx, sig)

	sig = makeSignal("0xm1", domain.SideBuy, "0.40", "1250")
	sig.Trade.Price = dec("1.00")
	h.engine.HandleSignal(ctx, sig)

	sig = makeSignal("0xm1", domain.SideBuy, "0.40", "1250")
	sig.Trade.Size = decimal.Zero
	h.engine.HandleSignal(ctx, sig)

	assert.Empty(t, h.engine.OpenPositions())
}

func TestHandleSignal_DuplicateOpensOnce(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	sig := makeSignal("0xm1", domain.SideBuy, "0.40", "1250")
	dup := sig
	dup.SignalID = "sig-dup"
	dup.Source = domain.SourcePoll // mismo fill visto por el otro camino

	h.engine.HandleSignal(ctx, sig)
	h.engine.HandleSignal(ctx, dup)

	assert.Len(t, h.engine.OpenPositions(), 1, "el mismo fill no abre dos veces")
	assert.Len(t, h.notify.opened, 1)
}

func TestHandleSignal_SameSideWithoutScaleIn(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))
	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.42", "900"))

	assert.Len(t, h.engine.OpenPositions(), 1, "sin scale_in la whale que insiste no suma copias")
}

func TestHandleSignal_SameSideWithScaleIn(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))
	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.42", "900"))

	assert.Len(t, h.engine.OpenPositions(), 2)
}

func TestHandleSignal_OppositeSideClosesNeverReverses(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))
	require.Len(t, h.engine.OpenPositions(), 1)

	// La whale vende: cerramos a su precio observado y NO abrimos el
	// lado contrario.
	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideSell, "0.50", "1250"))

	assert.Empty(t, h.engine.OpenPositions(), "la salida cierra, no revierte")
	require.Len(t, h.notify.closed, 1)

	closed := h.notify.closed[0]
	assert.True(t, closed.GrossPnL.Equal(dec("1.25")), "5 × (0.50−0.40)/0.40")
	assert.True(t, closed.ExitPrice.Equal(dec("0.50")))

	// El resultado alimentó el contador diario del risk manager.
	assert.True(t, h.risk.DailyPnL().Equal(closed.NetPnL))
}

func TestHandleSignal_DeniedByRiskManager(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &notifyRecorder{}
	bank := bankroll.New(db, domain.ModePaper, dec("100"))
	limits := defaultLimits()
	limits.MaxExposurePct = dec("0.01") // $1: cualquier copia excede
	riskMgr := risk.New(db, rec, domain.ModePaper, limits)
	eng := New(Config{Sizing: domain.DefaultSizingParams(), Mode: domain.ModePaper},
		bank, riskMgr, paper.NewExecutor(dec("0.002"), dec("1.50")), nil, rec)

	eng.HandleSignal(context.Background(), makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))

	assert.Empty(t, eng.OpenPositions())
	require.Len(t, rec.alerts, 1, "la denegación avisa y queda auditada")
	assert.Equal(t, domain.RiskKindDenied, rec.alerts[0].Kind)
	assert.Equal(t, "total exposure cap", rec.alerts[0].Reason)
}

func TestHandleSignal_InsufficientFundsAudited(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &notifyRecorder{}
	// Banca casi vacía: el sizing y el gate de riesgo aprueban, pero
	// size + gas ya no caben en lo disponible.
	bank := bankroll.New(db, domain.ModePaper, dec("1.55"))
	riskMgr := risk.New(db, rec, domain.ModePaper, defaultLimits())
	eng := New(Config{Sizing: domain.DefaultSizingParams(), Mode: domain.ModePaper},
		bank, riskMgr, paper.NewExecutor(dec("0.002"), dec("1.50")), nil, rec)

	eng.HandleSignal(context.Background(), makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))

	assert.Empty(t, eng.OpenPositions())
	require.Len(t, rec.alerts, 1, "el descarte por fondos queda auditado")
	assert.Equal(t, domain.RiskKindDenied, rec.alerts[0].Kind)
	assert.Equal(t, "insufficient funds", rec.alerts[0].Reason)
	assert.Equal(t, domain.RiskWarning, rec.alerts[0].Severity)
}

func TestHandleSignal_RiskScoreMaxConfigurable(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &notifyRecorder{}
	bank := bankroll.New(db, domain.ModePaper, dec("100"))
	riskMgr := risk.New(db, rec, domain.ModePaper, defaultLimits())
	eng := New(Config{Sizing: domain.DefaultSizingParams(), Mode: domain.ModePaper, MaxRiskScore: 8},
		bank, riskMgr, paper.NewExecutor(dec("0.002"), dec("1.50")), nil, rec)

	sig := makeSignal("0xm1", domain.SideBuy, "0.40", "1250")
	sig.Stats.RiskScore = 7
	eng.HandleSignal(context.Background(), sig)

	assert.Len(t, eng.OpenPositions(), 1, "con el umbral en 8 la whale de score 7 sí se copia")
	assert.Equal(t, int64(0), eng.Rejected())
}

func TestHandleSignal_ScaleInCappedAtMaxPosition(t *testing.T) {
	h := newHarness(t, nil, true)
	ctx := context.Background()

	// Primera copia a 0.55: kelly da $2.78, lejos del cap del 5%.
	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.55", "900"))
	positions := h.engine.OpenPositions()
	require.Len(t, positions, 1)
	require.True(t, positions[0].SizeUSD.Equal(dec("2.78")), "got %s", positions[0].SizeUSD)

	// El scale-in solo completa hasta el 5% del bankroll: kelly pediría
	// $4.92 pero con $2.78 ya abiertos solo quedan $2.14 de sitio.
	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))
	positions = h.engine.OpenPositions()
	require.Len(t, positions, 2)

	exposure := decimal.Zero
	for _, p := range positions {
		exposure = exposure.Add(p.SizeUSD)
	}
	assert.True(t, exposure.Equal(dec("4.92")), "got %s", exposure)

	// Con el par al tope, otro same-side no añade nada.
	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))
	assert.Len(t, h.engine.OpenPositions(), 2, "al tope del cap el scale-in se descarta")
}

// flakyExecutor falla la primera orden con un error transitorio; las
// siguientes van al executor real.
type flakyExecutor struct {
	real  ports.Executor
	calls int
}

func (f *flakyExecutor) Open(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	f.calls++
	if f.calls == 1 {
		return domain.Fill{}, &domain.TransientError{Op: "test.Open", Err: errors.New("502")}
	}
	return f.real.Open(ctx, req)
}

func (f *flakyExecutor) Close(ctx context.Context, req domain.CloseRequest) (domain.Fill, error) {
	return f.real.Close(ctx, req)
}

func TestHandleSignal_TransientOpenRetriesOnce(t *testing.T) {
	flaky := &flakyExecutor{real: paper.NewExecutor(dec("0.002"), dec("1.50"))}
	h := newHarness(t, flaky, false)
	ctx := context.Background()

	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))

	assert.Equal(t, 2, flaky.calls, "exactamente un reintento")
	assert.Len(t, h.engine.OpenPositions(), 1, "el reintento salvó la orden")
	assert.Empty(t, h.notify.alerts, "sin RiskEvent: la orden terminó saliendo")
}

// brokenExecutor falla cada orden, como un venue caído.
type brokenExecutor struct{}

func (brokenExecutor) Open(context.Context, domain.OrderRequest) (domain.Fill, error) {
	return domain.Fill{}, &domain.TransientError{Op: "test.Open", Err: errors.New("503")}
}

func (brokenExecutor) Close(context.Context, domain.CloseRequest) (domain.Fill, error) {
	return domain.Fill{}, &domain.TransientError{Op: "test.Close", Err: errors.New("503")}
}

func TestHandleSignal_ExecFailuresEngageKillSwitch(t *testing.T) {
	h := newHarness(t, brokenExecutor{}, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.engine.HandleSignal(ctx, makeSignal(fmt.Sprintf("0xm%d", i), domain.SideBuy, "0.40", "1250"))
	}

	engaged, reason := h.risk.Engaged()
	require.True(t, engaged, "tres fallos de ejecución seguidos paran el bot")
	assert.Equal(t, domain.KillReasonExecFailure, reason)
	assert.Empty(t, h.engine.OpenPositions())

	// Y con el kill switch puesto, nada más sale.
	h.engine.HandleSignal(ctx, makeSignal("0xm9", domain.SideBuy, "0.40", "1250"))
	assert.Empty(t, h.engine.OpenPositions())

	n, err := h.store.CriticalRiskEvents(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleSignal_ThreeLossesEngageKillSwitch(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	// Tres rondas abrir-y-cerrar con pérdida (~$2.7 cada una: bajo el
	// límite diario y el de drawdown por trade, pero racha de 3).
	for i := 0; i < 3; i++ {
		h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))
		require.Len(t, h.engine.OpenPositions(), 1, "round %d", i)
		h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideSell, "0.30", "1250"))
		require.Empty(t, h.engine.OpenPositions(), "round %d", i)
	}

	engaged, reason := h.risk.Engaged()
	require.True(t, engaged)
	assert.Equal(t, domain.KillReasonLossStreak, reason)
	assert.Len(t, h.notify.closed, 3)

	h.engine.HandleSignal(ctx, makeSignal("0xm2", domain.SideBuy, "0.40", "1250"))
	assert.Empty(t, h.engine.OpenPositions(), "con kill switch no se abre nada")
}

func TestPrime_RestoresPositionsAfterRestart(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	rec := &notifyRecorder{}
	bank := bankroll.New(db, domain.ModePaper, dec("100"))
	riskMgr := risk.New(db, rec, domain.ModePaper, defaultLimits())
	exec := paper.NewExecutor(dec("0.002"), dec("1.50"))

	eng := New(Config{Sizing: domain.DefaultSizingParams(), Mode: domain.ModePaper},
		bank, riskMgr, exec, nil, rec)
	eng.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))
	require.Len(t, eng.OpenPositions(), 1)

	// "Restart": bankroll y engine nuevos sobre el mismo store.
	bank2, err := bankroll.Resume(ctx, db, domain.ModePaper, dec("100"))
	require.NoError(t, err)
	eng2 := New(Config{Sizing: domain.DefaultSizingParams(), Mode: domain.ModePaper},
		bank2, riskMgr, exec, nil, rec)
	eng2.Prime()

	positions := eng2.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, "0xwhale", positions[0].Whale)
	assert.True(t, positions[0].SizeUSD.Equal(dec("5.00")))

	// La posición restaurada se puede cerrar con una señal opuesta.
	eng2.HandleSignal(ctx, makeSignal("0xm1", domain.SideSell, "0.40", "1250"))
	assert.Empty(t, eng2.OpenPositions())
}

func TestCloseAllOpen_UsesMarkOrEntry(t *testing.T) {
	h := newHarness(t, nil, false)
	ctx := context.Background()

	h.engine.HandleSignal(ctx, makeSignal("0xm1", domain.SideBuy, "0.40", "1250"))
	sig := makeSignal("0xm2", domain.SideBuy, "0.50", "1000")
	sig.Trade.AssetID = "888"
	h.engine.HandleSignal(ctx, sig)
	require.Len(t, h.engine.OpenPositions(), 2)

	// Solo el asset 777 tiene precio observado; el 888 liquida a la
	// entrada.
	marks := map[string]decimal.Decimal{"777": dec("0.44")}
	n := h.engine.CloseAllOpen(ctx, func(assetID string) (decimal.Decimal, bool) {
		m, ok := marks[assetID]
		return m, ok
	})

	assert.Equal(t, 2, n)
	assert.Empty(t, h.engine.OpenPositions())
	require.Len(t, h.notify.closed, 2)

	byAsset := map[string]domain.CopyTrade{}
	for _, c := range h.notify.closed {
		byAsset[c.AssetID] = c
	}
	assert.True(t, byAsset["777"].ExitPrice.Equal(dec("0.44")))
	assert.True(t, byAsset["888"].ExitPrice.Equal(dec("0.50")), "sin mark se sale a la entrada")
	assert.True(t, byAsset["888"].GrossPnL.IsZero())
}
