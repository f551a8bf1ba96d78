package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/adrianvm/whalebot/config"
	"github.com/adrianvm/whalebot/internal/adapters/notify"
	"github.com/adrianvm/whalebot/internal/adapters/storage"
	"github.com/adrianvm/whalebot/internal/application/metrics"
	"github.com/adrianvm/whalebot/internal/application/runner"
	"github.com/adrianvm/whalebot/internal/domain"
)

// runReport imprime el estado del registro de paper sin correr el bot:
// métricas, desglose diario y el veredicto del gate tal y como lo vería
// el subcomando live. Útil para mirar cómo va la semana sin esperar al
// reporte final de una sesión.
func runReport(ctx context.Context, cfg *config.Config) int {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		return exitPersistence
	}
	defer store.Close()

	seed := cfg.Paper.Seed()
	agg := metrics.New(store, store, seed)

	report, err := agg.Report(ctx)
	if err != nil {
		slog.Error("failed to compute metrics", "err", err)
		return exitPersistence
	}
	daily, err := store.DailyStats(ctx)
	if err != nil {
		slog.Error("failed to aggregate daily stats", "err", err)
		return exitPersistence
	}
	gate, err := runner.EvaluateGate(ctx, store, seed, gateConfig(cfg))
	if err != nil {
		slog.Error("failed to evaluate promotion gate", "err", err)
		return exitPersistence
	}

	// El span del registro sale de la serie de equity, no del reloj.
	var started, ended time.Time
	if points, err := store.EquityHistory(ctx, time.Time{}); err == nil && len(points) > 0 {
		started = points[0].At
		ended = points[len(points)-1].At
	}

	mode := domain.Mode(cfg.Bot.Mode)
	notify.NewConsole(mode).Final(ctx, domain.FinalReport{
		Mode:      mode,
		StartedAt: started,
		EndedAt:   ended,
		Seed:      seed,
		Metrics:   report,
		Daily:     daily,
		Gate:      gate,
	})
	return exitOK
}
