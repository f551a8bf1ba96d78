package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianvm/whalebot/internal/adapters/paper"
	"github.com/adrianvm/whalebot/internal/adapters/storage"
	"github.com/adrianvm/whalebot/internal/application/bankroll"
	"github.com/adrianvm/whalebot/internal/application/detector"
	"github.com/adrianvm/whalebot/internal/application/engine"
	"github.com/adrianvm/whalebot/internal/application/metrics"
	"github.com/adrianvm/whalebot/internal/application/risk"
	"github.com/adrianvm/whalebot/internal/application/tracker"
	"github.com/adrianvm/whalebot/internal/domain"
)

const pipeWhale = "0xaabbccddee"

// fakeMarkets sirve un set fijo de mercados activos.
type fakeMarkets struct {
	markets []domain.Market
	err     error
}

func (f *fakeMarkets) ActiveMarkets(context.Context, int) ([]domain.Market, error) {
	return f.markets, f.err
}

// fakeProvider alimenta el tracker con historial en memoria. El feed
// global viene vacío: en estos tests las señales entran por el stream.
type fakeProvider struct {
	mu     sync.Mutex
	byUser map[string][]domain.WhaleTrade
}

func (f *fakeProvider) RecentTrades(context.Context, int) ([]domain.WhaleTrade, error) {
	return nil, nil
}

func (f *fakeProvider) TradesByUser(_ context.Context, address string, _ int) ([]domain.WhaleTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byUser[strings.ToLower(address)], nil
}

func (f *fakeProvider) Positions(context.Context, string) ([]domain.WhalePosition, error) {
	return nil, nil
}

// fakeStream es un ports.Stream de juguete: los tests empujan eventos
// directo al canal.
type fakeStream struct {
	mu        sync.Mutex
	events    chan domain.StreamEvent
	subs      map[string]struct{}
	started   bool
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan domain.StreamEvent, 64),
		subs:   make(map[string]struct{}),
	}
}

func (f *fakeStream) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeStream) Events() <-chan domain.StreamEvent { return f.events }

func (f *fakeStream) Subscribe(_ context.Context, assetIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range assetIDs {
		f.subs[id] = struct{}{}
	}
	return nil
}

func (f *fakeStream) Unsubscribe(_ context.Context, assetIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range assetIDs {
		delete(f.subs, id)
	}
	return nil
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeStream) subscribed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[id]
	return ok
}

func (f *fakeStream) push(ev domain.StreamEvent) {
	f.events <- ev
}

// pipeRecorder captura todo lo que el bot le cuenta al usuario.
type pipeRecorder struct {
	mu     sync.Mutex
	opened []domain.CopyTrade
	closed []domain.CopyTrade
	alerts []domain.RiskEvent
	finals []domain.FinalReport
}

func (r *pipeRecorder) WhaleEvent(context.Context, domain.WhaleEvent) {}

func (r *pipeRecorder) TradeOpened(_ context.Context, t domain.CopyTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, t)
}

func (r *pipeRecorder) TradeClosed(_ context.Context, t domain.CopyTrade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, t)
}

func (r *pipeRecorder) RiskAlert(_ context.Context, e domain.RiskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, e)
}

func (r *pipeRecorder) Status(context.Context, domain.MetricsReport) {}

func (r *pipeRecorder) Final(_ context.Context, rep domain.FinalReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finals = append(r.finals, rep)
}

func (r *pipeRecorder) hasAlertKind(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func (r *pipeRecorder) finalReports() []domain.FinalReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FinalReport(nil), r.finals...)
}

type pipeline struct {
	sup     *Supervisor
	db      *storage.SQLiteStorage
	stream  *fakeStream
	markets *fakeMarkets
	eng     *engine.Engine
	riskMgr *risk.Manager
	rec     *pipeRecorder
	done    chan error
	cancel  context.CancelFunc
}

// whaleHistory fabrica 12 trades de $100 repartidos en los últimos 3
// días, suficiente para mantener la whale calificada.
func whaleHistory(now time.Time) []domain.WhaleTrade {
	trades := make([]domain.WhaleTrade, 0, 12)
	for i := 0; i < 12; i++ {
		at := now.Add(-time.Duration(i*6) * time.Hour)
		trades = append(trades, domain.WhaleTrade{
			ExternalID: "hist-" + string(rune('a'+i)),
			Address:    pipeWhale,
			Market:     "0xhist",
			AssetID:    "999",
			Side:       domain.SideBuy,
			Price:      dec("0.5"),
			Size:       dec("200"),
			SizeUSD:    dec("100"),
			TradedAt:   at,
		})
	}
	return trades
}

func startPipeline(t *testing.T, mutate func(*Config)) *pipeline {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	now := time.Now().UTC()

	// Una whale ya rankeada en la base: el detector la carga en Prime y
	// las señales del stream salen sin esperar un ciclo de poll.
	require.NoError(t, db.UpsertWhale(ctx, domain.Whale{
		Address: pipeWhale,
		Status:  domain.WhaleRanked,
		Rank:    1,
		Metrics: domain.WhaleMetrics{
			TradeCount:      12,
			TotalVolumeUSD:  dec("1200"),
			TradesLast3Days: 12,
			DaysActive:      3,
			LastTradeAt:     now,
			RiskScore:       3,
		},
		FirstSeenAt: now.Add(-72 * time.Hour),
		UpdatedAt:   now,
	}))

	rec := &pipeRecorder{}
	seed := dec("100")

	riskMgr := risk.New(db, rec, domain.ModePaper, risk.Limits{
		DailyLossLimitUSD:      dec("10"),
		MaxExposurePct:         dec("0.80"),
		MaxMarketExposurePct:   dec("0.25"),
		SingleTradeDrawdownPct: dec("0.05"),
		MaxConsecutiveLosses:   3,
		MaxExecFailures:        3,
		ExecFailureWindow:      10 * time.Minute,
	})

	provider := &fakeProvider{byUser: map[string][]domain.WhaleTrade{pipeWhale: whaleHistory(now)}}
	trk := tracker.New(provider, db)
	det := detector.New(detector.Config{
		PollInterval:        time.Hour, // solo el ciclo inmediato
		DailyTradeThreshold: 5,
		MinTradeSizeUSD:     dec("50"),
		MinTrades:           5,
		MinVolumeUSD:        dec("100"),
		MinTradesLast3Days:  1,
		MinDaysActive:       1,
		MaxInactiveDays:     30,
		TopN:                3,
		RefreshWorkers:      2,
	}, provider, db, trk, riskMgr)

	bank := bankroll.New(db, domain.ModePaper, seed)
	eng := engine.New(engine.Config{
		Sizing: domain.DefaultSizingParams(),
		Mode:   domain.ModePaper,
	}, bank, riskMgr, paper.NewExecutor(dec("0.002"), dec("1.50")), nil, rec)

	agg := metrics.New(db, db, seed)
	stream := newFakeStream()
	mkts := &fakeMarkets{markets: []domain.Market{{
		ConditionID: "0xm1",
		Question:    "test market",
		Tokens: [2]domain.Token{
			{TokenID: "777", Outcome: "Yes"},
			{TokenID: "888", Outcome: "No"},
		},
		Active: true,
	}}}

	cfg := Config{
		Mode:            domain.ModePaper,
		TopMarkets:      5,
		StatusInterval:  time.Hour,
		MetricsInterval: time.Hour,
		StopFile:        filepath.Join(t.TempDir(), "STOP"),
		StopPoll:        20 * time.Millisecond,
		Seed:            seed,
		Gate:            defaultGate(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	sup := New(cfg, Deps{
		Store:    db,
		Markets:  mkts,
		Stream:   stream,
		Detector: det,
		Engine:   eng,
		Bankroll: bank,
		Risk:     riskMgr,
		Metrics:  agg,
		Notifier: rec,
	})

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- sup.Run(runCtx) }()

	return &pipeline{
		sup: sup, db: db, stream: stream, markets: mkts,
		eng: eng, riskMgr: riskMgr, rec: rec, done: done, cancel: cancel,
	}
}

func (p *pipeline) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down in time")
		return nil
	}
}

func whaleFill(asset, market string, side domain.Side, price, size string) domain.MarketTrade {
	now := time.Now().UTC()
	return domain.MarketTrade{
		AssetID:    asset,
		Market:     market,
		Side:       side,
		Price:      dec(price),
		Size:       dec(size),
		Trader:     pipeWhale,
		TxHash:     "0x" + asset + price,
		Timestamp:  now,
		ReceivedAt: now,
	}
}

func TestRun_CopiesWhaleFillFromStream(t *testing.T) {
	p := startPipeline(t, nil)

	require.Eventually(t, func() bool {
		return p.stream.subscribed("777") && p.stream.subscribed("888")
	}, 2*time.Second, 10*time.Millisecond, "top markets must be subscribed at startup")

	p.stream.push(whaleFill("777", "0xm1", domain.SideBuy, "0.40", "1250"))

	require.Eventually(t, func() bool {
		return len(p.eng.OpenPositions()) == 1
	}, 2*time.Second, 10*time.Millisecond, "the whale fill must become a copy")

	pos := p.eng.OpenPositions()[0]
	assert.True(t, pos.SizeUSD.Equal(dec("5.00")), "got %s", pos.SizeUSD)
	assert.Equal(t, pipeWhale, pos.Whale)

	p.cancel()
	require.NoError(t, p.waitDone(t))

	finals := p.rec.finalReports()
	require.Len(t, finals, 1, "el shutdown limpio entrega el reporte final")
	assert.Equal(t, 1, finals[0].Metrics.OpenTrades)
	assert.False(t, finals[0].Gate.Passed)
	assert.Equal(t, domain.RecommendPaper, finals[0].Gate.Recommendation)
}

func TestRun_DurationElapsedEndsCleanly(t *testing.T) {
	p := startPipeline(t, func(cfg *Config) {
		cfg.Duration = 80 * time.Millisecond
	})

	require.NoError(t, p.waitDone(t))
	assert.Len(t, p.rec.finalReports(), 1)
}

func TestRun_StopFileWithKillDirective(t *testing.T) {
	p := startPipeline(t, nil)

	require.Eventually(t, func() bool {
		p.stream.mu.Lock()
		defer p.stream.mu.Unlock()
		return p.stream.started
	}, 2*time.Second, 10*time.Millisecond)

	stopFile := p.sup.cfg.StopFile
	require.NoError(t, os.WriteFile(stopFile, []byte("kill\n"), 0o644))

	require.NoError(t, p.waitDone(t))

	engaged, reason := p.riskMgr.Engaged()
	assert.True(t, engaged, "STOP con kill engancha el switch manual")
	assert.Equal(t, domain.KillReasonManual, reason)

	_, err := os.Stat(stopFile)
	assert.True(t, errors.Is(err, os.ErrNotExist), "el STOP consumido se borra")
	assert.Len(t, p.rec.finalReports(), 1)
}

func TestRun_EmergencyUnwindClosesPositions(t *testing.T) {
	p := startPipeline(t, func(cfg *Config) {
		cfg.EmergencyUnwind = true
	})

	p.stream.push(whaleFill("777", "0xm1", domain.SideBuy, "0.40", "1250"))
	require.Eventually(t, func() bool {
		return len(p.eng.OpenPositions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p.riskMgr.EngageManual(context.Background(), "operator")

	require.Eventually(t, func() bool {
		return len(p.eng.OpenPositions()) == 0
	}, 2*time.Second, 10*time.Millisecond, "el watchdog debe liquidar todo")
	assert.True(t, p.rec.hasAlertKind(domain.RiskKindUnwind))

	p.cancel()
	require.NoError(t, p.waitDone(t))
}

func TestRun_StreamDropIsRecordedAsDegraded(t *testing.T) {
	p := startPipeline(t, nil)

	p.stream.push(domain.ConnectionStateChange{
		State:  domain.ConnDisconnected,
		Reason: "read timeout",
		At:     time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return p.rec.hasAlertKind(domain.RiskKindDegraded)
	}, 2*time.Second, 10*time.Millisecond)

	p.cancel()
	require.NoError(t, p.waitDone(t))
}

func TestRun_StreamAuthRejectionIsFatal(t *testing.T) {
	p := startPipeline(t, nil)

	p.stream.push(domain.ConnectionStateChange{
		State:  domain.ConnDisconnected,
		Reason: domain.ReasonAuthRejected,
		At:     time.Now().UTC(),
	})

	// El supervisor se apaga solo y Run devuelve el error; no hace
	// falta cancelar.
	err := p.waitDone(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth rejected")
	assert.True(t, p.rec.hasAlertKind(domain.RiskKindDegraded))
}

func TestRun_MarketFetchFailureFailsFast(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &pipeRecorder{}
	seed := dec("100")
	riskMgr := risk.New(db, rec, domain.ModePaper, risk.Limits{})
	provider := &fakeProvider{}
	trk := tracker.New(provider, db)
	det := detector.New(detector.Config{PollInterval: time.Hour}, provider, db, trk, riskMgr)
	bank := bankroll.New(db, domain.ModePaper, seed)
	eng := engine.New(engine.Config{Sizing: domain.DefaultSizingParams(), Mode: domain.ModePaper},
		bank, riskMgr, paper.NewExecutor(dec("0.002"), dec("1.50")), nil, rec)

	sup := New(Config{Mode: domain.ModePaper, TopMarkets: 5, Seed: seed}, Deps{
		Store:    db,
		Markets:  &fakeMarkets{err: errors.New("gamma 503")},
		Stream:   newFakeStream(),
		Detector: det,
		Engine:   eng,
		Bankroll: bank,
		Risk:     riskMgr,
		Metrics:  metrics.New(db, db, seed),
		Notifier: rec,
	})

	err = sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch active markets")
	assert.Empty(t, rec.finalReports(), "sin arranque no hay reporte final")
}
