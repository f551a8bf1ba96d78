// Package bankroll lleva el banco virtual: capital disponible, capital
// asignado a posiciones abiertas y los contadores de la sesión.
//
// Un único mutex protege todo el estado; cada mutación se persiste
// junto con un snapshot en la misma transacción del store. Si el commit
// falla, la mutación en memoria se revierte: la memoria nunca va por
// delante del disco. El invariante que cruza todas las operaciones es
// total = available + allocated.
package bankroll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

// VirtualBankroll contabiliza las copias del bot sobre un capital
// semilla. En paper el dinero es virtual; en live la misma contabilidad
// corre en paralelo al balance on-chain como libro propio.
type VirtualBankroll struct {
	store ports.TradeStore
	mode  domain.Mode
	seed  decimal.Decimal

	mu        sync.Mutex
	available decimal.Decimal
	allocated decimal.Decimal
	peak      decimal.Decimal // máximo total observado, para drawdown

	open map[string]domain.CopyTrade // trade id → posición abierta

	dailyPnL decimal.Decimal
	dailyDD  decimal.Decimal // peor −dailyPnL/peak visto hoy
	dailyKey string          // día UTC de los contadores diarios

	openedCount  int // trades abiertos en total, cerrados o no
	closedCount  int
	winCount     int
	lossCount    int
	totalNetPnL  decimal.Decimal
	consecLosses int
	worstStreak  int

	startedAt time.Time
	now       func() time.Time
}

// New crea un bankroll sembrado con seed, sin historial.
func New(store ports.TradeStore, mode domain.Mode, seed decimal.Decimal) *VirtualBankroll {
	now := time.Now
	return &VirtualBankroll{
		store:     store,
		mode:      mode,
		seed:      seed,
		available: seed,
		peak:      seed,
		open:      make(map[string]domain.CopyTrade),
		dailyKey:  now().UTC().Format(time.DateOnly),
		startedAt: now().UTC(),
		now:       now,
	}
}

// Resume reconstruye el bankroll desde el último snapshot persistido y
// los trades abiertos. Sin historial arranca desde el seed. Tras un
// crash el estado reconstruido es exactamente el del último commit:
// ninguna transacción parcial puede observarse.
func Resume(ctx context.Context, store ports.TradeStore, mode domain.Mode, seed decimal.Decimal) (*VirtualBankroll, error) {
	b := New(store, mode, seed)

	snap, ok, err := store.LatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("bankroll.Resume: load snapshot: %w", err)
	}
	if ok {
		b.available = snap.Available
		b.allocated = snap.Allocated
		if snap.TotalCapital.GreaterThan(b.peak) {
			b.peak = snap.TotalCapital
		}
	}

	openTrades, err := store.OpenCopyTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("bankroll.Resume: load open trades: %w", err)
	}
	for _, t := range openTrades {
		b.open[t.TradeID] = t
	}

	closed, err := store.ClosedCopyTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("bankroll.Resume: load closed trades: %w", err)
	}
	// Vienen en orden cronológico: la racha de pérdidas se reconstruye
	// igual que se construyó.
	today := b.now().UTC().Format(time.DateOnly)
	for _, t := range closed {
		b.applyOutcome(t.NetPnL)
		if t.SettledAt != nil && t.SettledAt.UTC().Format(time.DateOnly) == today {
			b.dailyPnL = b.dailyPnL.Add(t.NetPnL)
			b.rollDailyDrawdownLocked()
		}
	}
	b.openedCount = len(b.open) + b.closedCount
	return b, nil
}

// OpenPosition registra una copia recién ejecutada. El fill manda:
// precio, comisión y gas salen de lo que el executor confirmó, no de la
// request. Rechaza con ErrInsufficientFunds cuando size + fees supera
// el disponible; gastar hasta el último centavo es válido.
func (b *VirtualBankroll) OpenPosition(ctx context.Context, req domain.OrderRequest, fill domain.Fill) (domain.CopyTrade, error) {
	if !fill.SizeUSD.IsPositive() {
		return domain.CopyTrade{}, fmt.Errorf("bankroll.OpenPosition: size %s: %w", fill.SizeUSD, domain.ErrInvalidOrder)
	}
	if !fill.Price.IsPositive() || fill.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return domain.CopyTrade{}, fmt.Errorf("bankroll.OpenPosition: price %s: %w", fill.Price, domain.ErrInvalidOrder)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()

	openFees := fill.Commission.Add(fill.GasCostUSD)
	cost := fill.SizeUSD.Add(openFees)
	if cost.GreaterThan(b.available) {
		return domain.CopyTrade{}, fmt.Errorf("bankroll.OpenPosition: need %s, have %s: %w",
			cost.StringFixed(2), b.available.StringFixed(2), domain.ErrInsufficientFunds)
	}

	executedAt := fill.FilledAt
	if executedAt.IsZero() {
		executedAt = b.now().UTC()
	}

	t := domain.CopyTrade{
		TradeID:    uuid.NewString(),
		SignalID:   req.SignalID,
		Whale:      req.Whale,
		Market:     req.Market,
		AssetID:    req.AssetID,
		Side:       req.Side,
		Mode:       b.mode,
		Exchange:   exchangeFor(b.mode),
		Status:     domain.TradeOpen,
		SizeUSD:    fill.SizeUSD,
		EntryPrice: fill.Price,
		Commission: fill.Commission,
		GasCostUSD: fill.GasCostUSD,
		ExecutedAt: executedAt,
	}

	b.available = b.available.Sub(cost)
	b.allocated = b.allocated.Add(fill.SizeUSD)
	b.openedCount++

	if err := b.store.InsertCopyTrade(ctx, t, b.snapshotLocked(domain.SnapshotTrade)); err != nil {
		b.available = b.available.Add(cost)
		b.allocated = b.allocated.Sub(fill.SizeUSD)
		b.openedCount--
		return domain.CopyTrade{}, fmt.Errorf("bankroll.OpenPosition: persist: %w", err)
	}
	b.open[t.TradeID] = t
	return t, nil
}

// ClosePosition liquida una posición abierta con el fill de salida.
// El gross sale de la fórmula sobre el precio de entrada registrado;
// el net descuenta las comisiones y gas de AMBAS patas.
func (b *VirtualBankroll) ClosePosition(ctx context.Context, fill domain.Fill) (domain.CopyTrade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()

	t, ok := b.open[fill.TradeID]
	if !ok {
		return domain.CopyTrade{}, fmt.Errorf("bankroll.ClosePosition: trade %s: %w", fill.TradeID, domain.ErrUnknownPosition)
	}

	gross := domain.GrossPnL(t.Side, t.SizeUSD, t.EntryPrice, fill.Price)
	closeFees := fill.Commission.Add(fill.GasCostUSD)
	commission := t.Commission.Add(fill.Commission)
	gas := t.GasCostUSD.Add(fill.GasCostUSD)
	net := gross.Sub(commission).Sub(gas)

	settledAt := fill.FilledAt
	if settledAt.IsZero() {
		settledAt = b.now().UTC()
	}

	closed := t
	closed.Status = domain.TradeClosed
	closed.ExitPrice = fill.Price
	closed.Commission = commission
	closed.GasCostUSD = gas
	closed.GrossPnL = gross
	closed.TotalFees = commission.Add(gas)
	closed.NetPnL = net
	closed.SettledAt = &settledAt

	// Efectos y contadores antes del snapshot; todo se revierte si el
	// commit falla.
	prev := b.checkpointLocked()
	b.available = b.available.Add(t.SizeUSD).Add(gross).Sub(closeFees)
	b.allocated = b.allocated.Sub(t.SizeUSD)
	b.applyOutcome(net)
	b.dailyPnL = b.dailyPnL.Add(net)
	if total := b.available.Add(b.allocated); total.GreaterThan(b.peak) {
		b.peak = total
	}
	b.rollDailyDrawdownLocked()

	if err := b.store.CloseCopyTrade(ctx, closed, b.snapshotLocked(domain.SnapshotTrade)); err != nil {
		b.restoreLocked(prev)
		return domain.CopyTrade{}, fmt.Errorf("bankroll.ClosePosition: persist: %w", err)
	}
	delete(b.open, fill.TradeID)
	return closed, nil
}

// Snapshot devuelve la foto actual del bankroll sin persistirla.
func (b *VirtualBankroll) Snapshot() domain.BankrollSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayLocked()
	return b.snapshotLocked(domain.SnapshotEquity)
}

// Stats resume el rendimiento de la sesión. Con cero trades cerrados
// todos los ratios son cero, nunca NaN.
func (b *VirtualBankroll) Stats() domain.BankrollStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := domain.BankrollStats{
		OpenCount:            len(b.open),
		ClosedCount:          b.closedCount,
		WinCount:             b.winCount,
		LossCount:            b.lossCount,
		TotalNetPnL:          b.totalNetPnL,
		MaxConsecutiveLosses: b.worstStreak,
	}
	if b.closedCount > 0 {
		s.WinRate = float64(b.winCount) / float64(b.closedCount)
	}
	if b.seed.IsPositive() {
		total := b.available.Add(b.allocated)
		s.ROI, _ = total.Sub(b.seed).Div(b.seed).Float64()
	}
	return s
}

// Seed devuelve el capital semilla de la sesión.
func (b *VirtualBankroll) Seed() decimal.Decimal { return b.seed }

// StartedAt devuelve cuándo arrancó esta instancia.
func (b *VirtualBankroll) StartedAt() time.Time { return b.startedAt }

// OpenTrade devuelve la posición abierta con ese id, si existe.
func (b *VirtualBankroll) OpenTrade(id string) (domain.CopyTrade, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.open[id]
	return t, ok
}

// OpenTrades devuelve todas las posiciones abiertas. El engine
// reconstruye su mapa de posiciones con esto tras un restart.
func (b *VirtualBankroll) OpenTrades() []domain.CopyTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.CopyTrade, 0, len(b.open))
	for _, t := range b.open {
		out = append(out, t)
	}
	return out
}

// Reset devuelve el bankroll al estado semilla. Solo para tests y para
// el modo demo; no toca el store.
func (b *VirtualBankroll) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = b.seed
	b.allocated = decimal.Zero
	b.peak = b.seed
	b.open = make(map[string]domain.CopyTrade)
	b.dailyPnL = decimal.Zero
	b.dailyDD = decimal.Zero
	b.openedCount = 0
	b.closedCount, b.winCount, b.lossCount = 0, 0, 0
	b.totalNetPnL = decimal.Zero
	b.consecLosses, b.worstStreak = 0, 0
}

// --- internos ---

// checkpoint captura los campos que ClosePosition muta, para revertir
// si el commit falla.
type checkpoint struct {
	available    decimal.Decimal
	allocated    decimal.Decimal
	peak         decimal.Decimal
	dailyPnL     decimal.Decimal
	dailyDD      decimal.Decimal
	closedCount  int
	winCount     int
	lossCount    int
	totalNetPnL  decimal.Decimal
	consecLosses int
	worstStreak  int
}

func (b *VirtualBankroll) checkpointLocked() checkpoint {
	return checkpoint{
		available:    b.available,
		allocated:    b.allocated,
		peak:         b.peak,
		dailyPnL:     b.dailyPnL,
		dailyDD:      b.dailyDD,
		closedCount:  b.closedCount,
		winCount:     b.winCount,
		lossCount:    b.lossCount,
		totalNetPnL:  b.totalNetPnL,
		consecLosses: b.consecLosses,
		worstStreak:  b.worstStreak,
	}
}

func (b *VirtualBankroll) restoreLocked(c checkpoint) {
	b.available = c.available
	b.allocated = c.allocated
	b.peak = c.peak
	b.dailyPnL = c.dailyPnL
	b.dailyDD = c.dailyDD
	b.closedCount = c.closedCount
	b.winCount = c.winCount
	b.lossCount = c.lossCount
	b.totalNetPnL = c.totalNetPnL
	b.consecLosses = c.consecLosses
	b.worstStreak = c.worstStreak
}

// applyOutcome actualiza los contadores de cierre. Break-even cuenta
// como pérdida: una copia que solo pagó fees no es una victoria.
func (b *VirtualBankroll) applyOutcome(net decimal.Decimal) {
	b.closedCount++
	b.totalNetPnL = b.totalNetPnL.Add(net)
	if net.IsPositive() {
		b.winCount++
		b.consecLosses = 0
		return
	}
	b.lossCount++
	b.consecLosses++
	if b.consecLosses > b.worstStreak {
		b.worstStreak = b.consecLosses
	}
}

// rollDayLocked resetea los contadores diarios al cruzar la medianoche
// UTC. Se comprueba perezosamente en cada operación.
func (b *VirtualBankroll) rollDayLocked() {
	today := b.now().UTC().Format(time.DateOnly)
	if today != b.dailyKey {
		b.dailyKey = today
		b.dailyPnL = decimal.Zero
		b.dailyDD = decimal.Zero
	}
}

// rollDailyDrawdownLocked actualiza el peor drawdown del día:
// max(dailyDD, −dailyPnL/peak). Solo empeora dentro del día; el roll
// diario lo devuelve a cero.
func (b *VirtualBankroll) rollDailyDrawdownLocked() {
	if !b.dailyPnL.IsNegative() || !b.peak.IsPositive() {
		return
	}
	if dd := b.dailyPnL.Neg().Div(b.peak); dd.GreaterThan(b.dailyDD) {
		b.dailyDD = dd
	}
}

func (b *VirtualBankroll) snapshotLocked(label domain.SnapshotLabel) domain.BankrollSnapshot {
	total := b.available.Add(b.allocated)
	return domain.BankrollSnapshot{
		At:            b.now().UTC(),
		Label:         label,
		TotalCapital:  total,
		Allocated:     b.allocated,
		Available:     b.available,
		DailyPnL:      b.dailyPnL,
		DailyDrawdown: b.dailyDD,
		TotalTrades:   b.openedCount,
		WinCount:      b.winCount,
		LossCount:     b.lossCount,
	}
}

func exchangeFor(mode domain.Mode) string {
	if mode == domain.ModeLive {
		return domain.ExchangeCLOB
	}
	return domain.ExchangeVirtual
}
