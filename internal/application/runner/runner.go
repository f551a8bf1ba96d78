// Package runner arranca, cablea y apaga el bot entero. La regla es un
// goroutine por tarea y un solo camino de shutdown: señal del OS,
// archivo STOP o duración cumplida, todos terminan cancelando el mismo
// contexto.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/application/bankroll"
	"github.com/adrianvm/whalebot/internal/application/detector"
	"github.com/adrianvm/whalebot/internal/application/engine"
	"github.com/adrianvm/whalebot/internal/application/metrics"
	"github.com/adrianvm/whalebot/internal/application/risk"
	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

const (
	stopPollInterval = 10 * time.Second
	shutdownGrace    = 10 * time.Second
)

// Config controla el ciclo de vida del run.
type Config struct {
	Mode            domain.Mode
	TopMarkets      int
	Duration        time.Duration // 0 = sin límite
	StatusInterval  time.Duration
	MetricsInterval time.Duration
	StopFile        string
	StopPoll        time.Duration // cadencia del watchdog; 0 = 10s
	EmergencyUnwind bool
	Seed            decimal.Decimal
	Gate            GateConfig
}

// Deps son los componentes ya construidos que el supervisor orquesta.
// El cableado (qué executor, qué notifiers) es decisión de cmd.
type Deps struct {
	Store    ports.Store
	Markets  ports.MarketProvider
	Stream   ports.Stream
	Detector *detector.Detector
	Engine   *engine.Engine
	Bankroll *bankroll.VirtualBankroll
	Risk     *risk.Manager
	Metrics  *metrics.Aggregator
	Notifier ports.Notifier
}

// Supervisor es el dueño de los goroutines del bot.
type Supervisor struct {
	cfg Config

	store    ports.Store
	markets  ports.MarketProvider
	stream   ports.Stream
	detector *detector.Detector
	engine   *engine.Engine
	bankroll *bankroll.VirtualBankroll
	risk     *risk.Manager
	metrics  *metrics.Aggregator
	notifier ports.Notifier

	startedAt time.Time
	unwound   bool // solo lo toca el watchdog
	halt      context.CancelFunc

	fatalMu  sync.Mutex
	fatalErr error

	now func() time.Time
}

func New(cfg Config, deps Deps) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    deps.Store,
		markets:  deps.Markets,
		stream:   deps.Stream,
		detector: deps.Detector,
		engine:   deps.Engine,
		bankroll: deps.Bankroll,
		risk:     deps.Risk,
		metrics:  deps.Metrics,
		notifier: deps.Notifier,
		now:      time.Now,
	}
}

// Run ejecuta la sesión completa: suscripción, arranque del pipeline y
// apagado ordenado. Devuelve error solo en fallos de arranque; una
// sesión que llegó a correr termina limpia aunque el stream muriera.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = s.now().UTC()

	// El orden importa: suscribir antes de Start deja el set deseado
	// listo para el primer dial; Prime antes de Run evita redescubrir
	// whales ya conocidas.
	if err := s.subscribeTopMarkets(ctx); err != nil {
		return err
	}
	if err := s.stream.Start(ctx); err != nil {
		return fmt.Errorf("runner: start stream: %w", err)
	}
	if err := s.detector.Prime(ctx); err != nil {
		s.stream.Close()
		return fmt.Errorf("runner: prime detector: %w", err)
	}
	s.engine.Prime()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.halt = cancel

	var wg sync.WaitGroup
	run := func(task func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task()
		}()
	}

	run(func() { s.pumpStream(runCtx) })
	run(func() { s.detector.Run(runCtx) })
	run(func() { s.consumeSignals(runCtx) })
	run(func() { s.consumeWhaleEvents(runCtx) })
	run(func() { s.metrics.Run(runCtx, s.cfg.MetricsInterval) })
	run(func() { s.statusLoop(runCtx) })
	run(func() { s.watchdog(runCtx, cancel) })

	slog.Info("runner: bot started",
		"mode", s.cfg.Mode,
		"seed", s.cfg.Seed.StringFixed(2),
		"duration", s.cfg.Duration,
	)

	<-runCtx.Done()

	// Cerrar el stream cierra Events y con eso el pump; el resto de
	// loops sale por el contexto. Si algo se atasca no esperamos para
	// siempre: el reporte final vale más que un goroutine colgado.
	s.stream.Close()
	waitWithGrace(&wg, shutdownGrace)

	s.finish()

	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

// recordFatal guarda la causa de un apagado fatal y cancela el run. El
// primer error gana.
func (s *Supervisor) recordFatal(err error) {
	s.fatalMu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.fatalMu.Unlock()
	if s.halt != nil {
		s.halt()
	}
}

func (s *Supervisor) subscribeTopMarkets(ctx context.Context) error {
	mkts, err := s.markets.ActiveMarkets(ctx, s.cfg.TopMarkets)
	if err != nil {
		return fmt.Errorf("runner: fetch active markets: %w", err)
	}

	assets := make([]string, 0, len(mkts)*2)
	for _, m := range mkts {
		assets = append(assets, m.TokenIDs()...)
	}
	if len(assets) == 0 {
		// Sin stream igual funciona el camino de polling, pero es raro:
		// que quede en el log.
		slog.Warn("runner: no assets to subscribe", "markets", len(mkts))
		return nil
	}
	if err := s.stream.Subscribe(ctx, assets...); err != nil {
		return fmt.Errorf("runner: subscribe markets: %w", err)
	}
	slog.Info("runner: subscribed top markets", "markets", len(mkts), "assets", len(assets))
	return nil
}

// pumpStream reparte los eventos del websocket: trades al detector y a
// la caché de precios, price changes solo a la caché, caídas de
// conexión al registro de riesgo.
func (s *Supervisor) pumpStream(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.stream.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case domain.MarketTrade:
				s.metrics.ObservePrice(e.AssetID, e.Price)
				s.detector.HandleMarketTrade(ctx, e)
			case domain.PriceChange:
				s.metrics.ObservePrice(e.AssetID, e.Price)
			case domain.ConnectionStateChange:
				s.onConnChange(ctx, e)
			}
		}
	}
}

func (s *Supervisor) onConnChange(ctx context.Context, e domain.ConnectionStateChange) {
	switch e.State {
	case domain.ConnConnecting:
		slog.Debug("runner: stream dialing")
	case domain.ConnConnected:
		slog.Info("runner: stream connected")
	default:
		if e.Reason == domain.ReasonAuthRejected {
			// El stream ya no va a volver; sin él no hay sesión.
			slog.Error("runner: stream auth rejected, shutting down")
			s.risk.RecordDegraded(ctx, "stream "+string(e.State), e.Reason)
			s.recordFatal(fmt.Errorf("runner: stream auth rejected"))
			return
		}
		// Mientras el stream está caído solo corre el polling: más
		// latencia en las señales, y eso el gate lo quiere saber.
		s.risk.RecordDegraded(ctx, "stream "+string(e.State), e.Reason)
	}
}

func (s *Supervisor) consumeSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.detector.Signals():
			s.engine.HandleSignal(ctx, sig)
			// Mantener marks del asset copiado: el cierre y el
			// unrealized los necesitan. Subscribe deduplica.
			if err := s.stream.Subscribe(ctx, sig.Trade.AssetID); err != nil {
				slog.Debug("runner: retarget subscribe failed", "asset", sig.Trade.AssetID, "error", err)
			}
		}
	}
}

func (s *Supervisor) consumeWhaleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.detector.Events():
			s.notifier.WhaleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) statusLoop(ctx context.Context) {
	if s.cfg.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.metrics.Report(ctx)
			if err != nil {
				slog.Warn("runner: status report failed", "error", err)
				continue
			}
			s.notifier.Status(ctx, rep)
		}
	}
}

// watchdog vigila las tres salidas que no son una señal del OS: el
// archivo STOP, la duración configurada y el kill switch con unwind.
func (s *Supervisor) watchdog(ctx context.Context, cancel context.CancelFunc) {
	var deadline <-chan time.Time
	if s.cfg.Duration > 0 {
		timer := time.NewTimer(s.cfg.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := s.cfg.StopPoll
	if poll <= 0 {
		poll = stopPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			slog.Info("runner: configured duration elapsed")
			cancel()
			return
		case <-ticker.C:
			if s.checkStopFile(ctx) {
				cancel()
				return
			}
			s.maybeUnwind(ctx)
		}
	}
}

// checkStopFile mira si el operador dejó el archivo STOP. Si el
// contenido dice "kill" además engancha el kill switch manual, que
// sobrevive al restart del día.
func (s *Supervisor) checkStopFile(ctx context.Context) bool {
	if s.cfg.StopFile == "" {
		return false
	}
	data, err := os.ReadFile(s.cfg.StopFile)
	if err != nil {
		return false
	}
	if strings.Contains(strings.ToLower(string(data)), "kill") {
		s.risk.EngageManual(ctx, "STOP file with kill directive")
	}
	slog.Info("runner: STOP file detected, shutting down", "path", s.cfg.StopFile)
	os.Remove(s.cfg.StopFile)
	return true
}

func (s *Supervisor) maybeUnwind(ctx context.Context) {
	engaged, reason := s.risk.Engaged()
	if !engaged {
		s.unwound = false
		return
	}
	if !s.cfg.EmergencyUnwind || s.unwound {
		return
	}
	s.unwound = true
	n := s.engine.CloseAllOpen(ctx, s.metrics.Price)
	s.risk.RecordUnwind(ctx, n)
	slog.Warn("runner: emergency unwind complete", "closed", n, "reason", reason)
}

// finish escribe el snapshot final y presenta el reporte de cierre con
// el veredicto del gate. Usa un contexto propio: el del run ya murió.
func (s *Supervisor) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.metrics.Sample(ctx); err != nil {
		slog.Warn("runner: final snapshot failed", "error", err)
	}

	rep, err := s.metrics.Report(ctx)
	if err != nil {
		slog.Error("runner: final report failed", "error", err)
		return
	}
	daily, err := s.store.DailyStats(ctx)
	if err != nil {
		slog.Warn("runner: daily stats failed", "error", err)
	}
	gate, err := EvaluateGate(ctx, s.store, s.cfg.Seed, s.cfg.Gate)
	if err != nil {
		slog.Warn("runner: gate evaluation failed", "error", err)
	}

	s.notifier.Final(ctx, domain.FinalReport{
		Mode:      s.cfg.Mode,
		StartedAt: s.startedAt,
		EndedAt:   s.now().UTC(),
		Seed:      s.cfg.Seed,
		Metrics:   rep,
		Daily:     daily,
		Gate:      gate,
	})
	slog.Info("runner: bot stopped",
		"runtime", s.now().UTC().Sub(s.startedAt).Round(time.Second),
		"signals_dropped", s.detector.DroppedSignals(),
	)
}

func waitWithGrace(wg *sync.WaitGroup, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("runner: shutdown grace expired with tasks still running")
	}
}
