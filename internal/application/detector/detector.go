// Package detector descubre, califica y rankea whales, y atribuye los
// trades del stream a las whales ya rastreadas.
//
// El pipeline por ciclo es discovery → qualification → ranking, y cada
// transición se persiste ANTES de tocar la caché en memoria: tras un
// crash la caché se reconstruye desde el store exactamente como estaba.
// En paralelo, HandleMarketTrade convierte cada fill del stream de una
// whale operable en una WhaleSignal para el engine.
package detector

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/application/tracker"
	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

const (
	// recentTradeLimit acota el pull del leaderboard por ciclo; la Data
	// API pagina por debajo.
	recentTradeLimit = 1000

	// channelBuffer dimensiona los canales de eventos y señales.
	channelBuffer = 256

	// topSendTimeout es cuánto bloquea una señal del top-N con el canal
	// lleno antes de declararse degradado. Las señales de whales fuera
	// del top se descartan sin esperar.
	topSendTimeout = time.Second
)

// Config son los umbrales del detector. cmd los traduce desde el YAML.
type Config struct {
	PollInterval        time.Duration
	DailyTradeThreshold int             // trades hoy (UTC) para entrar como descubierta
	MinTradeSizeUSD     decimal.Decimal // fills por debajo no cuentan
	MinTrades           int             // calificación: historial mínimo
	MinVolumeUSD        decimal.Decimal // calificación: volumen mínimo
	MinTradesLast3Days  int             // calificación: actividad en la ventana de 72h
	MinDaysActive       int             // calificación: días UTC distintos operando
	MaxInactiveDays     int             // calificación: silencio máximo
	TopN                int             // tamaño del top rankeado
	RefreshWorkers      int             // workers del tracker; 0 = NumCPU×2
}

// RiskSink recibe las degradaciones del pipeline para su auditoría.
// *risk.Manager lo implementa; en tests puede ser nil.
type RiskSink interface {
	RecordDegraded(ctx context.Context, reason, detail string)
}

// Detector mantiene la caché de whales conocidas y emite eventos de
// transición y señales de copia por canales con buffer.
type Detector struct {
	cfg      Config
	provider ports.TradeProvider
	store    ports.WhaleStore
	tracker  *tracker.Tracker
	sink     RiskSink

	events  chan domain.WhaleEvent
	signals chan domain.WhaleSignal

	mu         sync.Mutex
	known      map[string]domain.Whale // address en minúsculas → whale
	rankedSize int                     // tamaño actual del top, para RankNorm
	dropped    int64                   // señales descartadas por backpressure

	now func() time.Time
}

// New crea el detector. Llama a Prime antes de Run para cargar la caché.
func New(cfg Config, provider ports.TradeProvider, store ports.WhaleStore, trk *tracker.Tracker, sink RiskSink) *Detector {
	return &Detector{
		cfg:      cfg,
		provider: provider,
		store:    store,
		tracker:  trk,
		sink:     sink,
		events:   make(chan domain.WhaleEvent, channelBuffer),
		signals:  make(chan domain.WhaleSignal, channelBuffer),
		known:    make(map[string]domain.Whale),
		now:      time.Now,
	}
}

// Events expone las transiciones de estado (discovered, qualified,
// ranked, demoted, inactive).
func (d *Detector) Events() <-chan domain.WhaleEvent { return d.events }

// Signals expone las señales de copia atribuidas a whales operables.
func (d *Detector) Signals() <-chan domain.WhaleSignal { return d.signals }

// Prime carga todas las whales persistidas en la caché. Las REJECTED
// también: sin ellas el ciclo las re-descubriría una y otra vez.
func (d *Detector) Prime(ctx context.Context) error {
	whales, err := d.store.LoadKnownWhales(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	ranked := 0
	for _, w := range whales {
		d.known[strings.ToLower(w.Address)] = w
		if w.Status == domain.WhaleRanked {
			ranked++
		}
	}
	d.rankedSize = ranked
	slog.Info("detector: cache primed", "whales", len(whales), "ranked", ranked)
	return nil
}

// Run ejecuta el ciclo de detección cada PollInterval hasta que el
// contexto muera. El primer ciclo corre inmediatamente.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// DroppedSignals devuelve cuántas señales se descartaron por canal lleno.
func (d *Detector) DroppedSignals() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// KnownWhales devuelve una copia de la caché, para quien necesite
// contarla o inspeccionarla.
func (d *Detector) KnownWhales() []domain.Whale {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Whale, 0, len(d.known))
	for _, w := range d.known {
		out = append(out, w)
	}
	return out
}

// runCycle es una pasada completa: pull del leaderboard, discovery,
// refresh de métricas, calificación, ranking y reporte.
func (d *Detector) runCycle(ctx context.Context) {
	started := d.now().UTC()
	report := domain.DetectorReport{CycleAt: started}

	trades, err := d.provider.RecentTrades(ctx, recentTradeLimit)
	if err != nil {
		// Ciclo perdido, no sesión perdida: el siguiente tick reintenta.
		slog.Warn("detector: leaderboard pull failed", "error", err)
		return
	}

	byAddr := d.groupCandidates(trades)
	report.Candidates = len(byAddr)

	d.discover(ctx, byAddr, &report)
	d.persistObservedTrades(ctx, byAddr, started)
	d.requalify(ctx, &report)
	d.rank(ctx, &report)

	if err := d.store.SaveDetectorReport(ctx, report); err != nil {
		slog.Warn("detector: report save failed", "error", err)
	}
	slog.Info("detector: cycle done",
		"elapsed", d.now().UTC().Sub(started).Round(time.Millisecond),
		"candidates", report.Candidates,
		"discovered", report.Discovered,
		"qualified", report.Qualified,
		"ranked", report.Ranked,
		"demoted", report.Demoted,
	)
}

// groupCandidates filtra fills pequeños y agrupa por wallet.
func (d *Detector) groupCandidates(trades []domain.WhaleTrade) map[string][]domain.WhaleTrade {
	out := make(map[string][]domain.WhaleTrade)
	for _, t := range trades {
		if t.SizeUSD.LessThan(d.cfg.MinTradeSizeUSD) {
			continue
		}
		addr := strings.ToLower(t.Address)
		if addr == "" {
			continue
		}
		out[addr] = append(out[addr], t)
	}
	return out
}

// discover da de alta las wallets que cruzaron el umbral diario de
// actividad. Persistencia primero, caché después.
func (d *Detector) discover(ctx context.Context, byAddr map[string][]domain.WhaleTrade, report *domain.DetectorReport) {
	today := d.now().UTC().Format(time.DateOnly)

	for addr, trs := range byAddr {
		d.mu.Lock()
		_, exists := d.known[addr]
		d.mu.Unlock()
		if exists {
			continue
		}

		todayCount := 0
		for _, t := range trs {
			if t.TradedAt.UTC().Format(time.DateOnly) == today {
				todayCount++
			}
		}
		if todayCount < d.cfg.DailyTradeThreshold {
			continue
		}

		now := d.now().UTC()
		w := domain.Whale{
			Address:     addr,
			Status:      domain.WhaleDiscovered,
			FirstSeenAt: now,
			UpdatedAt:   now,
		}
		if err := d.store.UpsertWhale(ctx, w); err != nil {
			slog.Warn("detector: discover persist failed", "address", addr, "error", err)
			continue
		}
		d.mu.Lock()
		d.known[addr] = w
		d.mu.Unlock()

		report.Discovered++
		d.emitEvent(domain.WhaleEvent{
			Type:    domain.WhaleEventDiscovered,
			Address: addr,
			At:      now,
		})
	}
}

// persistObservedTrades guarda los fills del leaderboard de whales ya
// conocidas. El insert es idempotente; los fills nuevos y frescos de
// whales operables salen además como señal con origen poll, para cubrir
// mercados a los que el stream no está suscrito.
func (d *Detector) persistObservedTrades(ctx context.Context, byAddr map[string][]domain.WhaleTrade, cycleAt time.Time) {
	freshness := 2 * d.cfg.PollInterval

	for addr, trs := range byAddr {
		d.mu.Lock()
		w, exists := d.known[addr]
		d.mu.Unlock()
		if !exists || w.Status == domain.WhaleRejected {
			continue
		}

		for _, t := range trs {
			isNew, err := d.store.InsertWhaleTrade(ctx, t)
			if err != nil {
				slog.Warn("detector: trade persist failed", "address", addr, "error", err)
				continue
			}
			if !isNew || !w.Status.Tradeable() {
				continue
			}
			if cycleAt.Sub(t.TradedAt) > freshness {
				continue // histórico, no accionable
			}
			d.emitSignal(ctx, d.buildSignal(w, t, domain.SourcePoll))
		}
	}
}

// requalify refresca métricas de toda la caché no rechazada y aplica
// las reglas de calificación en ambos sentidos: las descubiertas suben,
// las calificadas que ya no cumplen bajan.
func (d *Detector) requalify(ctx context.Context, report *domain.DetectorReport) {
	d.mu.Lock()
	addrs := make([]string, 0, len(d.known))
	for addr, w := range d.known {
		if w.Status != domain.WhaleRejected {
			addrs = append(addrs, addr)
		}
	}
	d.mu.Unlock()
	if len(addrs) == 0 {
		return
	}

	metrics := d.tracker.RefreshAll(ctx, addrs, d.cfg.RefreshWorkers)

	for addr, m := range metrics {
		d.mu.Lock()
		w := d.known[addr]
		d.mu.Unlock()

		w.Metrics = m
		w.UpdatedAt = d.now().UTC()
		reason := d.blockReason(m, report)

		switch {
		case reason == "" && w.Status == domain.WhaleDiscovered:
			w.Status = domain.WhaleQualified
			w.StatusReason = ""
			if err := d.store.UpsertWhale(ctx, w); err != nil {
				slog.Warn("detector: qualify persist failed", "address", addr, "error", err)
				continue
			}
			report.Qualified++
			d.emitEvent(domain.WhaleEvent{
				Type:    domain.WhaleEventQualified,
				Address: addr,
				At:      w.UpdatedAt,
			})

		case reason != "" && w.Status.Tradeable():
			if err := d.store.DemoteWhale(ctx, addr, domain.WhaleDiscovered, reason); err != nil {
				slog.Warn("detector: demote persist failed", "address", addr, "error", err)
				continue
			}
			w.Status = domain.WhaleDiscovered
			w.StatusReason = reason
			w.Rank, w.RankScore = 0, 0
			report.Demoted++

			evType := domain.WhaleEventDemoted
			if strings.Contains(reason, "inactive") {
				evType = domain.WhaleEventInactive
			}
			d.emitEvent(domain.WhaleEvent{
				Type:    evType,
				Address: addr,
				Reason:  reason,
				At:      w.UpdatedAt,
			})

		default:
			// Sin transición: solo métricas frescas.
			if err := d.store.UpsertWhale(ctx, w); err != nil {
				slog.Warn("detector: metrics persist failed", "address", addr, "error", err)
				continue
			}
		}

		d.mu.Lock()
		d.known[addr] = w
		d.mu.Unlock()
	}
}

// blockReason evalúa las reglas de calificación en orden fijo y
// devuelve la primera que falla, anotando el contador del reporte. La
// inactividad se mira antes que la recencia: una whale 40 días muda
// falla ambas, pero lo que la describe es que se fue.
func (d *Detector) blockReason(m domain.WhaleMetrics, report *domain.DetectorReport) string {
	switch {
	case m.TradeCount < d.cfg.MinTrades:
		report.BlockedMinTrades++
		return "below min trades"
	case m.TotalVolumeUSD.LessThan(d.cfg.MinVolumeUSD):
		report.BlockedVolume++
		return "below min volume"
	case m.DaysInactive > d.cfg.MaxInactiveDays:
		report.BlockedInactive++
		return "inactive too long"
	case m.TradesLast3Days < d.cfg.MinTradesLast3Days:
		report.BlockedRecency++
		return "below 3d activity"
	case m.DaysActive < d.cfg.MinDaysActive:
		report.BlockedRecency++
		return "too new"
	}
	return ""
}

// rank ordena el cohort calificado y materializa el top-N. Entrar al
// top o cambiar de puesto emite un evento; salir del top degrada a
// QUALIFIED vía DemoteWhale, que es la única transición hacia atrás que
// el store acepta.
func (d *Detector) rank(ctx context.Context, report *domain.DetectorReport) {
	d.mu.Lock()
	cohort := make([]domain.Whale, 0, len(d.known))
	for _, w := range d.known {
		if w.Status.Tradeable() {
			cohort = append(cohort, w)
		}
	}
	d.mu.Unlock()
	if len(cohort) == 0 {
		d.mu.Lock()
		d.rankedSize = 0
		d.mu.Unlock()
		return
	}

	ranked := domain.RankCohort(cohort)
	topSize := min(d.cfg.TopN, len(ranked))

	for i, w := range ranked {
		prevRank, prevStatus := w.Rank, w.Status
		now := d.now().UTC()

		if i < topSize {
			w.Status = domain.WhaleRanked
			w.Rank = i + 1
			w.UpdatedAt = now
			if err := d.store.UpsertWhale(ctx, w); err != nil {
				slog.Warn("detector: rank persist failed", "address", w.Address, "error", err)
				continue
			}
			if prevStatus != domain.WhaleRanked || prevRank != w.Rank {
				d.emitEvent(domain.WhaleEvent{
					Type:    domain.WhaleEventRanked,
					Address: w.Address,
					Rank:    w.Rank,
					At:      now,
				})
			}
		} else {
			w.Rank = 0
			if prevStatus == domain.WhaleRanked {
				if err := d.store.DemoteWhale(ctx, w.Address, domain.WhaleQualified, "left top-N"); err != nil {
					slog.Warn("detector: unrank persist failed", "address", w.Address, "error", err)
					continue
				}
				w.Status = domain.WhaleQualified
				w.StatusReason = "left top-N"
				w.UpdatedAt = now
				report.Demoted++
				d.emitEvent(domain.WhaleEvent{
					Type:    domain.WhaleEventDemoted,
					Address: w.Address,
					Reason:  "left top-N",
					At:      now,
				})
			} else if err := d.store.UpsertWhale(ctx, w); err != nil {
				slog.Warn("detector: rank persist failed", "address", w.Address, "error", err)
				continue
			}
		}

		d.mu.Lock()
		d.known[strings.ToLower(w.Address)] = w
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.rankedSize = topSize
	d.mu.Unlock()
	report.Ranked = topSize
}

// HandleMarketTrade atribuye un fill del stream. Si el trader es una
// whale operable, el fill se persiste y sale como señal inmediata; el
// resto del mercado se ignora.
func (d *Detector) HandleMarketTrade(ctx context.Context, mt domain.MarketTrade) {
	addr := strings.ToLower(mt.Trader)
	if addr == "" {
		return
	}

	d.mu.Lock()
	w, exists := d.known[addr]
	d.mu.Unlock()
	if !exists || !w.Status.Tradeable() {
		return
	}

	t := domain.WhaleTrade{
		ExternalID: domain.TradeExternalID(mt.TxHash, mt.AssetID, addr, mt.Side, mt.Size),
		Address:    addr,
		Market:     mt.Market,
		AssetID:    mt.AssetID,
		Side:       mt.Side,
		Price:      mt.Price,
		Size:       mt.Size,
		SizeUSD:    mt.Size.Mul(mt.Price),
		TxHash:     mt.TxHash,
		TradedAt:   mt.Timestamp,
	}

	isNew, err := d.store.InsertWhaleTrade(ctx, t)
	if err != nil {
		// Señalar igual: perder la copia por un hipo de disco sería
		// peor que un posible duplicado, que el engine ya dedupa.
		slog.Warn("detector: stream trade persist failed", "address", addr, "error", err)
	} else if !isNew {
		return // ya visto vía poll, la señal ya salió
	}

	d.emitSignal(ctx, d.buildSignal(w, t, domain.SourceStream))
}

func (d *Detector) buildSignal(w domain.Whale, t domain.WhaleTrade, src domain.SignalSource) domain.WhaleSignal {
	d.mu.Lock()
	topSize := d.rankedSize
	d.mu.Unlock()

	return domain.WhaleSignal{
		SignalID:   uuid.NewString(),
		Trade:      t,
		Status:     w.Status,
		Stats:      w.Metrics,
		Rank:       w.Rank,
		RankNorm:   domain.RankNorm(w.Rank, topSize),
		Source:     src,
		DetectedAt: d.now().UTC(),
	}
}

// emitSignal aplica la política de backpressure: las señales del top-N
// esperan hasta topSendTimeout antes de declararse degradadas; las
// demás se descartan al instante si el canal está lleno.
func (d *Detector) emitSignal(ctx context.Context, sig domain.WhaleSignal) {
	if sig.Rank > 0 {
		timer := time.NewTimer(topSendTimeout)
		defer timer.Stop()
		select {
		case d.signals <- sig:
		case <-timer.C:
			d.countDrop()
			slog.Warn("detector: top whale signal dropped, engine backlogged",
				"whale", sig.Trade.Address, "rank", sig.Rank)
			if d.sink != nil {
				d.sink.RecordDegraded(ctx, "signal backpressure",
					"top whale signal dropped: "+sig.Trade.Address)
			}
		case <-ctx.Done():
		}
		return
	}

	select {
	case d.signals <- sig:
	default:
		d.countDrop()
		slog.Debug("detector: signal dropped", "whale", sig.Trade.Address)
	}
}

func (d *Detector) countDrop() {
	d.mu.Lock()
	d.dropped++
	d.mu.Unlock()
}

// emitEvent nunca bloquea: los eventos de estado son informativos.
func (d *Detector) emitEvent(ev domain.WhaleEvent) {
	select {
	case d.events <- ev:
	default:
		slog.Debug("detector: event dropped", "type", ev.Type, "address", ev.Address)
	}
}
