// Package metrics calcula el rendimiento del bot leyendo solo el
// store. No toca el bankroll ni el engine: todo sale de las filas de
// copy_trades y de los snapshots, así el reporte es reproducible
// después de un restart.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

// Aggregator arma el MetricsReport periódico y muestrea la curva de
// equity. La caché de precios la alimenta el stream pump con los
// últimos trades y price changes de cada asset.
type Aggregator struct {
	store  ports.TradeStore
	whales ports.WhaleStore
	seed   decimal.Decimal

	mu     sync.RWMutex
	prices map[string]decimal.Decimal // assetID -> último precio visto

	now func() time.Time
}

func New(store ports.TradeStore, whales ports.WhaleStore, seed decimal.Decimal) *Aggregator {
	return &Aggregator{
		store:  store,
		whales: whales,
		seed:   seed,
		prices: make(map[string]decimal.Decimal),
		now:    time.Now,
	}
}

// ObservePrice registra el último precio visto para un asset. Precios
// fuera de (0, 1] se ignoran: un book vacío manda ceros.
func (a *Aggregator) ObservePrice(assetID string, price decimal.Decimal) {
	if assetID == "" || !price.IsPositive() || price.GreaterThan(decimal.NewFromInt(1)) {
		return
	}
	a.mu.Lock()
	a.prices[assetID] = price
	a.mu.Unlock()
}

// Price devuelve el último precio observado para un asset. El runner
// lo usa como mark para el unwind final.
func (a *Aggregator) Price(assetID string) (decimal.Decimal, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.prices[assetID]
	return p, ok
}

// Report calcula el rollup completo: realized de los trades cerrados,
// unrealized de los abiertos contra la caché de precios, drawdown
// máximo sobre la serie de equity y el censo de whales.
func (a *Aggregator) Report(ctx context.Context) (domain.MetricsReport, error) {
	closed, err := a.store.ClosedCopyTrades(ctx)
	if err != nil {
		return domain.MetricsReport{}, fmt.Errorf("metrics.Report: load closed trades: %w", err)
	}
	open, err := a.store.OpenCopyTrades(ctx)
	if err != nil {
		return domain.MetricsReport{}, fmt.Errorf("metrics.Report: load open trades: %w", err)
	}

	snap, ok, err := a.store.LatestSnapshot(ctx)
	if err != nil {
		return domain.MetricsReport{}, fmt.Errorf("metrics.Report: load snapshot: %w", err)
	}
	if !ok {
		// Sin actividad todavía: la banca es la semilla intacta.
		snap = domain.BankrollSnapshot{
			At:           a.now().UTC(),
			Label:        domain.SnapshotEquity,
			TotalCapital: a.seed,
			Available:    a.seed,
		}
	}

	rep := domain.MetricsReport{
		At:           a.now().UTC(),
		Bankroll:     snap,
		OpenTrades:   len(open),
		ClosedTrades: len(closed),
	}

	for _, t := range closed {
		rep.RealizedPnL = rep.RealizedPnL.Add(t.NetPnL)
		if t.IsWin() {
			rep.WinCount++
		} else {
			rep.LossCount++
		}
	}
	if len(closed) > 0 {
		rep.WinRate = float64(rep.WinCount) / float64(len(closed))
		rep.Expectancy = rep.RealizedPnL.Div(decimal.NewFromInt(int64(len(closed)))).Round(4)
	}

	for _, t := range open {
		mark, ok := a.Price(t.AssetID)
		if !ok {
			rep.Unpriced++
			continue
		}
		rep.UnrealizedPnL = rep.UnrealizedPnL.Add(domain.GrossPnL(t.Side, t.SizeUSD, t.EntryPrice, mark))
	}

	if a.seed.IsPositive() {
		roi, _ := snap.TotalCapital.Sub(a.seed).Div(a.seed).Float64()
		rep.ROI = roi
	}

	points, err := a.store.EquityHistory(ctx, time.Time{})
	if err != nil {
		return domain.MetricsReport{}, fmt.Errorf("metrics.Report: load equity history: %w", err)
	}
	rep.MaxDrawdown = MaxDrawdown(points)

	if a.whales != nil {
		known, err := a.whales.LoadKnownWhales(ctx)
		if err != nil {
			// El censo es decorativo: el reporte sale igual sin él.
			slog.Warn("metrics: whale census failed", "error", err)
		}
		for _, w := range known {
			if w.Status == domain.WhaleRejected {
				continue
			}
			rep.TrackedWhales++
			if w.Status == domain.WhaleRanked {
				rep.RankedWhales++
			}
		}
	}

	return rep, nil
}

// Sample escribe un snapshot de equity con la banca del último
// snapshot persistido. Mantiene la curva viva aunque no haya trades.
func (a *Aggregator) Sample(ctx context.Context) error {
	snap, ok, err := a.store.LatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("metrics.Sample: load snapshot: %w", err)
	}
	if !ok {
		snap = domain.BankrollSnapshot{
			TotalCapital: a.seed,
			Available:    a.seed,
		}
	}
	snap.At = a.now().UTC()
	snap.Label = domain.SnapshotEquity
	if err := a.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("metrics.Sample: save snapshot: %w", err)
	}
	return nil
}

// Run muestrea la curva de equity cada interval hasta que el contexto
// muera. Los fallos se loguean y el loop sigue: perder un sample no
// invalida la serie.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Sample(ctx); err != nil {
				slog.Warn("metrics: equity sample failed", "error", err)
			}
		}
	}
}

// MaxDrawdown devuelve la peor caída pico-a-valle de la serie como
// fracción del pico. Serie vacía o sin pico positivo: cero.
func MaxDrawdown(points []domain.EquityPoint) float64 {
	var peak, worst decimal.Decimal
	for _, p := range points {
		if p.TotalCapital.GreaterThan(peak) {
			peak = p.TotalCapital
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(p.TotalCapital).Div(peak)
		if dd.GreaterThan(worst) {
			worst = dd
		}
	}
	f, _ := worst.Float64()
	return f
}
