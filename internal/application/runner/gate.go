package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/internal/application/metrics"
	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

// GateConfig son los requisitos para promover de paper a live. El win
// rate no entra a propósito: con pocas muestras no distingue suerte de
// señal, el capital final sí.
type GateConfig struct {
	MinRuntimeHours  float64
	MinCapitalFactor float64 // capital final / seed
	MaxDrawdownPct   float64
}

// EvaluateGate decide si el historial de paper justifica operar con
// dinero real. Lee solo el store: el veredicto es reproducible desde la
// base, sin estado en memoria de ninguna sesión.
func EvaluateGate(ctx context.Context, store ports.TradeStore, seed decimal.Decimal, cfg GateConfig) (domain.GateResult, error) {
	points, err := store.EquityHistory(ctx, time.Time{})
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("runner.EvaluateGate: load equity history: %w", err)
	}

	res := domain.GateResult{Recommendation: domain.RecommendPaper}

	if len(points) >= 2 {
		res.RuntimeHours = points[len(points)-1].At.Sub(points[0].At).Hours()
	}

	total := seed
	if snap, ok, err := store.LatestSnapshot(ctx); err != nil {
		return domain.GateResult{}, fmt.Errorf("runner.EvaluateGate: load snapshot: %w", err)
	} else if ok {
		total = snap.TotalCapital
	}
	if seed.IsPositive() {
		res.CapitalFactor, _ = total.Div(seed).Float64()
	}

	res.MaxDrawdown = metrics.MaxDrawdown(points)

	res.CriticalEvents, err = store.CriticalRiskEvents(ctx, time.Time{})
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("runner.EvaluateGate: count critical events: %w", err)
	}

	if res.RuntimeHours < cfg.MinRuntimeHours {
		res.Blockers = append(res.Blockers,
			fmt.Sprintf("paper runtime %.1fh < required %.0fh", res.RuntimeHours, cfg.MinRuntimeHours))
	}
	if res.CapitalFactor < cfg.MinCapitalFactor {
		res.Blockers = append(res.Blockers,
			fmt.Sprintf("capital factor %.3f < required %.2f", res.CapitalFactor, cfg.MinCapitalFactor))
	}
	if res.MaxDrawdown > cfg.MaxDrawdownPct {
		res.Blockers = append(res.Blockers,
			fmt.Sprintf("max drawdown %.1f%% > allowed %.0f%%", res.MaxDrawdown*100, cfg.MaxDrawdownPct*100))
	}
	if res.CriticalEvents > 0 {
		res.Blockers = append(res.Blockers,
			fmt.Sprintf("%d critical risk events in the paper record", res.CriticalEvents))
	}

	if len(res.Blockers) == 0 {
		res.Passed = true
		res.Recommendation = domain.RecommendLive
	}
	return res, nil
}
