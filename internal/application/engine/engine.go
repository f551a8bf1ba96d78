// Package engine convierte señales de whales en copias ejecutadas:
// filtra, deduplica, clasifica entrada/salida, dimensiona con Kelly
// fraccional, pasa el control de riesgo y despacha al executor.
//
// Regla de oro: una señal opuesta CIERRA, nunca revierte. Copiar la
// dirección de una whale es defendible; apalancar su cambio de opinión
// abriendo el lado contrario en el mismo acto, no.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/application/bankroll"
	"github.com/adrianvm/whalebot/internal/application/risk"
	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

const (
	// defaultMaxRiskScore filtra whales demasiado arriesgadas aunque
	// estén calificadas: de 7 para arriba la señal se descarta.
	defaultMaxRiskScore = 6

	// dedupWindow colapsa avistamientos dobles del mismo fill (stream y
	// poll, o replays tras una reconexión).
	dedupWindow = 5 * time.Second
)

// Config son los parámetros de copia del engine.
type Config struct {
	Sizing       domain.SizingParams
	Mode         domain.Mode
	ScaleIn      bool // abrir otra copia si la whale repite lado en el mismo mercado
	MaxRiskScore int  // risk score máximo de una whale copiable; 0 = default
}

// Engine es el consumidor único de señales. HandleSignal se llama desde
// una sola goroutine (el pump del runner); el mutex protege el estado
// frente a lecturas de otros hilos.
type Engine struct {
	cfg      Config
	bankroll *bankroll.VirtualBankroll
	risk     *risk.Manager
	exec     ports.Executor
	oracle   ports.GasOracle // solo live; nil en paper
	notifier ports.Notifier

	mu        sync.Mutex
	positions map[string][]domain.CopyPosition // whale|market → copias abiertas
	recent    map[string]time.Time             // clave de dedup → visto en
	rejected  int64

	now func() time.Time
}

// New crea el engine. oracle puede ser nil en modo paper.
func New(cfg Config, bank *bankroll.VirtualBankroll, riskMgr *risk.Manager, exec ports.Executor, oracle ports.GasOracle, notifier ports.Notifier) *Engine {
	if cfg.MaxRiskScore <= 0 {
		cfg.MaxRiskScore = defaultMaxRiskScore
	}
	return &Engine{
		cfg:       cfg,
		bankroll:  bank,
		risk:      riskMgr,
		exec:      exec,
		oracle:    oracle,
		notifier:  notifier,
		positions: make(map[string][]domain.CopyPosition),
		recent:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// Prime reconstruye el mapa de posiciones desde los trades abiertos del
// bankroll. Tras un restart el engine retoma cada copia donde quedó.
func (e *Engine) Prime() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.bankroll.OpenTrades() {
		key := positionKey(t.Whale, t.Market)
		e.positions[key] = append(e.positions[key], domain.CopyPosition{
			TradeID:    t.TradeID,
			SignalID:   t.SignalID,
			Whale:      t.Whale,
			Market:     t.Market,
			AssetID:    t.AssetID,
			Side:       t.Side,
			SizeUSD:    t.SizeUSD,
			EntryPrice: t.EntryPrice,
			Mode:       t.Mode,
			OpenedAt:   t.ExecutedAt,
		})
	}
	if n := len(e.positions); n > 0 {
		slog.Info("engine: positions restored", "pairs", n)
	}
}

// HandleSignal procesa una señal de punta a punta. Nunca devuelve
// error: cada descarte queda en el log con su motivo y el flujo sigue
// con la señal siguiente.
func (e *Engine) HandleSignal(ctx context.Context, sig domain.WhaleSignal) {
	if !sig.Status.Tradeable() || sig.Stats.RiskScore > e.cfg.MaxRiskScore {
		e.countReject()
		slog.Debug("engine: signal rejected",
			"whale", sig.Trade.Address,
			"status", sig.Status,
			"risk_score", sig.Stats.RiskScore,
		)
		return
	}

	t := sig.Trade
	if !t.Price.IsPositive() || t.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) || !t.Size.IsPositive() {
		slog.Warn("engine: malformed trade in signal",
			"whale", t.Address, "price", t.Price, "size", t.Size)
		return
	}

	if e.isDuplicate(t) {
		slog.Debug("engine: duplicate signal dropped",
			"whale", t.Address, "market", t.Market, "source", sig.Source)
		return
	}

	key := positionKey(t.Address, t.Market)
	e.mu.Lock()
	open := append([]domain.CopyPosition(nil), e.positions[key]...)
	e.mu.Unlock()

	switch {
	case len(open) == 0:
		e.openCopy(ctx, sig)
	case open[0].Side == t.Side:
		if e.cfg.ScaleIn {
			e.openCopy(ctx, sig)
		} else {
			slog.Debug("engine: same-side signal ignored, scale-in off",
				"whale", t.Address, "market", t.Market)
		}
	default:
		// Lado opuesto: la whale salió, nosotros también. Todas las
		// copias del par se cierran a su precio observado.
		e.closeAll(ctx, key, open, t.Price)
	}
}

// Rejected devuelve cuántas señales se descartaron por estado o riesgo
// de la whale.
func (e *Engine) Rejected() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rejected
}

// OpenPositions devuelve una copia plana de las posiciones vivas.
func (e *Engine) OpenPositions() []domain.CopyPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.CopyPosition
	for _, ps := range e.positions {
		out = append(out, ps...)
	}
	return out
}

// --- flujo de apertura ---

func (e *Engine) openCopy(ctx context.Context, sig domain.WhaleSignal) {
	t := sig.Trade
	if !domain.TradeablePrice(t.Price) {
		// En los extremos no hay edge que copiar; ver domain.TradeablePrice.
		slog.Debug("engine: price outside copyable range", "whale", t.Address, "price", t.Price)
		return
	}
	snap := e.bankroll.Snapshot()

	size := domain.CopySize(e.cfg.Sizing, snap.TotalCapital, t.Price, sig.RankNorm)
	if !size.IsPositive() {
		slog.Debug("engine: kelly sized to zero", "whale", t.Address, "price", t.Price)
		return
	}

	// El cap de posición es acumulado por par whale+mercado: un
	// scale-in solo puede añadir hasta completar MaxPosPct del
	// bankroll, no abrir otra posición entera.
	if held := e.pairExposure(t.Address, t.Market, t.Side); held.IsPositive() {
		room := snap.TotalCapital.Mul(decimal.NewFromFloat(e.cfg.Sizing.MaxPosPct)).Sub(held)
		if !room.IsPositive() {
			slog.Debug("engine: scale-in at position cap",
				"whale", t.Address, "market", t.Market, "held", held.StringFixed(2))
			return
		}
		if size.GreaterThan(room) {
			size = room.Round(2)
		}
	}

	check := domain.TradeCheck{
		Market:         t.Market,
		SizeUSD:        size,
		Mode:           e.cfg.Mode,
		BankrollTotal:  snap.TotalCapital,
		TotalExposure:  snap.Allocated,
		MarketExposure: e.marketExposure(t.Market),
	}
	if e.cfg.Mode == domain.ModeLive && e.oracle != nil {
		gwei, err := e.oracle.GasPriceGwei(ctx)
		if err != nil {
			// Sin lectura de gas no hay trade: en live se falla cerrado.
			slog.Warn("engine: gas oracle unavailable, trade skipped",
				"whale", t.Address, "error", err)
			return
		}
		check.GasGwei = gwei
	}

	if ok, reason := e.risk.CanTrade(ctx, check); !ok {
		slog.Info("engine: trade denied", "whale", t.Address, "market", t.Market, "reason", reason)
		return
	}

	req := domain.OrderRequest{
		SignalID:   sig.SignalID,
		Whale:      t.Address,
		Market:     t.Market,
		AssetID:    t.AssetID,
		Side:       t.Side,
		SizeUSD:    size,
		LimitPrice: t.Price,
		Mode:       e.cfg.Mode,
	}

	fill, err := e.exec.Open(ctx, req)
	if err != nil {
		var terr *domain.TransientError
		if errors.As(err, &terr) {
			// Un fallo transitorio merece exactamente un reintento; el
			// adapter ya agotó su propio presupuesto de backoff.
			slog.Warn("engine: transient open failure, retrying once",
				"whale", t.Address, "error", err)
			fill, err = e.exec.Open(ctx, req)
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidOrder) {
			slog.Warn("engine: order rejected as invalid", "whale", t.Address, "error", err)
			return
		}
		slog.Error("engine: open execution failed", "whale", t.Address, "error", err)
		e.risk.RecordExecFailure(ctx, fmt.Sprintf("open %s: %v", t.Market, err))
		return
	}

	trade, err := e.bankroll.OpenPosition(ctx, req, fill)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			slog.Info("engine: insufficient funds", "whale", t.Address, "size", size)
			e.risk.RecordSkipped(ctx, "insufficient funds",
				fmt.Sprintf("market=%s size=%s", t.Market, size.StringFixed(2)))
			return
		}
		slog.Error("engine: open not persisted", "whale", t.Address, "error", err)
		return
	}

	e.mu.Lock()
	key := positionKey(t.Address, t.Market)
	e.positions[key] = append(e.positions[key], domain.CopyPosition{
		TradeID:    trade.TradeID,
		SignalID:   sig.SignalID,
		Whale:      t.Address,
		Market:     t.Market,
		AssetID:    t.AssetID,
		Side:       t.Side,
		SizeUSD:    trade.SizeUSD,
		EntryPrice: trade.EntryPrice,
		RiskAtOpen: sig.Stats.RiskScore,
		Mode:       e.cfg.Mode,
		OpenedAt:   trade.ExecutedAt,
	})
	e.mu.Unlock()

	slog.Info("engine: copy opened",
		"whale", t.Address,
		"market", t.Market,
		"side", t.Side,
		"size_usd", trade.SizeUSD.StringFixed(2),
		"price", trade.EntryPrice,
		"delay_ms", sig.DelayMs(),
		"source", sig.Source,
	)
	e.notifier.TradeOpened(ctx, trade)
}

// --- flujo de cierre ---

func (e *Engine) closeAll(ctx context.Context, key string, open []domain.CopyPosition, exitPrice decimal.Decimal) int {
	closedCount := 0
	for _, pos := range open {
		fill, err := e.exec.Close(ctx, domain.CloseRequest{
			TradeID:   pos.TradeID,
			Market:    pos.Market,
			AssetID:   pos.AssetID,
			Side:      pos.Side.Opposite(),
			SizeUSD:   pos.SizeUSD,
			ExitPrice: exitPrice,
		})
		if err != nil {
			// La posición queda abierta; otra señal de salida o el
			// unwind final lo reintentarán.
			slog.Error("engine: close execution failed", "trade", pos.TradeID, "error", err)
			e.risk.RecordExecFailure(ctx, fmt.Sprintf("close %s: %v", pos.Market, err))
			continue
		}

		closed, err := e.bankroll.ClosePosition(ctx, fill)
		if err != nil {
			slog.Error("engine: close not persisted", "trade", pos.TradeID, "error", err)
			continue
		}

		e.removePosition(key, pos.TradeID)
		closedCount++
		e.risk.RecordOutcome(ctx, closed.NetPnL, e.bankroll.Snapshot().TotalCapital)

		slog.Info("engine: copy closed",
			"whale", closed.Whale,
			"market", closed.Market,
			"net_pnl", closed.NetPnL.StringFixed(2),
			"win", closed.IsWin(),
		)
		e.notifier.TradeClosed(ctx, closed)
	}
	return closedCount
}

// CloseAllOpen liquida todas las posiciones vivas al precio dado por
// posición. Lo usa el unwind de emergencia y el cierre ordenado cuando
// está habilitado.
func (e *Engine) CloseAllOpen(ctx context.Context, priceFor func(assetID string) (decimal.Decimal, bool)) int {
	e.mu.Lock()
	keys := make([]string, 0, len(e.positions))
	for k := range e.positions {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	closedCount := 0
	for _, key := range keys {
		e.mu.Lock()
		open := append([]domain.CopyPosition(nil), e.positions[key]...)
		e.mu.Unlock()

		for _, pos := range open {
			mark, ok := priceFor(pos.AssetID)
			if !ok {
				// Sin precio observado se liquida a la entrada: P&L
				// bruto cero, las fees mandan.
				mark = pos.EntryPrice
			}
			closedCount += e.closeAll(ctx, key, []domain.CopyPosition{pos}, mark)
		}
	}
	return closedCount
}

// --- helpers ---

func (e *Engine) removePosition(key, tradeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.positions[key]
	for i, p := range ps {
		if p.TradeID == tradeID {
			e.positions[key] = append(ps[:i], ps[i+1:]...)
			break
		}
	}
	if len(e.positions[key]) == 0 {
		delete(e.positions, key)
	}
}

// marketExposure suma el tamaño abierto en un mercado a través de
// TODAS las whales: el cap por mercado protege del evento, no de la
// whale.
// pairExposure suma el tamaño abierto de un lado del par whale+mercado.
func (e *Engine) pairExposure(whale, market string, side domain.Side) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := decimal.Zero
	for _, p := range e.positions[positionKey(whale, market)] {
		if p.Side == side {
			total = total.Add(p.SizeUSD)
		}
	}
	return total
}

func (e *Engine) marketExposure(market string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := decimal.Zero
	for _, ps := range e.positions {
		for _, p := range ps {
			if p.Market == market {
				total = total.Add(p.SizeUSD)
			}
		}
	}
	return total
}

// isDuplicate registra la clave del fill y descarta repeticiones dentro
// de la ventana. La clave ignora el origen: el mismo fill visto por
// stream y por poll colisiona aquí a propósito.
func (e *Engine) isDuplicate(t domain.WhaleTrade) bool {
	key := fmt.Sprintf("%s|%s|%s|%s|%d",
		t.Address, t.Market, t.Side, t.Price.String(), t.TradedAt.Unix())

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for k, seen := range e.recent {
		if now.Sub(seen) > dedupWindow {
			delete(e.recent, k)
		}
	}
	if _, dup := e.recent[key]; dup {
		return true
	}
	e.recent[key] = now
	return false
}

func (e *Engine) countReject() {
	e.mu.Lock()
	e.rejected++
	e.mu.Unlock()
}

func positionKey(whale, market string) string {
	return whale + "|" + market
}
