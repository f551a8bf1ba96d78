// Package tracker refresca las métricas de actividad de cada whale
// contra la Data API: historial de trades, posiciones vivas y el P&L
// que NUESTRAS copias le deben. El detector decide con estas métricas
// quién califica y quién no.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

// tradeDepth es cuántos trades recientes se piden por whale. 500 cubre
// semanas de actividad hasta del trader más hiperactivo.
const tradeDepth = 500

// Tracker calcula WhaleMetrics por dirección. Sin estado propio: cada
// Refresh es una foto nueva.
type Tracker struct {
	provider ports.TradeProvider
	store    ports.WhaleStore

	now func() time.Time
}

// New crea un Tracker sobre el provider de la Data API y el store de
// whales.
func New(provider ports.TradeProvider, store ports.WhaleStore) *Tracker {
	return &Tracker{
		provider: provider,
		store:    store,
		now:      time.Now,
	}
}

// Refresh recalcula las métricas de una whale: sus últimos trades, sus
// posiciones abiertas y el realized P&L de nuestras copias. Un fallo
// del endpoint de posiciones no tumba el refresh, las métricas salen
// del historial.
func (t *Tracker) Refresh(ctx context.Context, address string) (domain.WhaleMetrics, error) {
	trades, err := t.provider.TradesByUser(ctx, address, tradeDepth)
	if err != nil {
		return domain.WhaleMetrics{}, fmt.Errorf("tracker.Refresh: trades for %s: %w", address, err)
	}

	positions, err := t.provider.Positions(ctx, address)
	if err != nil {
		slog.Debug("tracker: positions fetch failed", "address", address, "error", err)
	}

	realized, err := t.store.RealizedPnL(ctx, address)
	if err != nil {
		return domain.WhaleMetrics{}, fmt.Errorf("tracker.Refresh: realized pnl for %s: %w", address, err)
	}

	m := domain.ComputeWhaleMetrics(trades, realized, t.now())
	slog.Debug("tracker: whale refreshed",
		"address", address,
		"trades", m.TradeCount,
		"volume_usd", m.TotalVolumeUSD.StringFixed(0),
		"positions", len(positions),
		"risk_score", m.RiskScore,
	)
	return m, nil
}

// RefreshAll refresca un lote de whales en paralelo con un worker pool.
// Refrescar decenas de whales en serie tardaría más que el propio ciclo
// del detector; el rate limiter del cliente HTTP es quien marca el
// techo real.
//
// Si workers <= 0 usa runtime.NumCPU() × 2. Las whales cuyo refresh
// falla simplemente no aparecen en el resultado.
func (t *Tracker) RefreshAll(ctx context.Context, addresses []string, workers int) map[string]domain.WhaleMetrics {
	if len(addresses) == 0 {
		return map[string]domain.WhaleMetrics{}
	}
	if workers <= 0 {
		workers = runtime.NumCPU() * 2
	}
	if workers > len(addresses) {
		workers = len(addresses)
	}

	type result struct {
		address string
		metrics domain.WhaleMetrics
	}

	workCh := make(chan string, len(addresses))
	resultCh := make(chan result, len(addresses))

	// Worker pool: cada worker toma direcciones de workCh y deja las
	// métricas en resultCh.
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range workCh {
				if ctx.Err() != nil {
					return
				}
				m, err := t.Refresh(ctx, addr)
				if err != nil {
					slog.Warn("tracker: refresh failed", "address", addr, "error", err)
					continue
				}
				resultCh <- result{address: addr, metrics: m}
			}
		}()
	}

	for _, addr := range addresses {
		workCh <- addr
	}
	close(workCh)

	// Cerrar resultCh cuando todos los workers terminen.
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	out := make(map[string]domain.WhaleMetrics, len(addresses))
	for r := range resultCh {
		out[r.address] = r.metrics
	}
	return out
}
