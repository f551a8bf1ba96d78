package main

import (
	"context"
	"log/slog"

	"github.com/adrianvm/whalebot/config"
	"github.com/adrianvm/whalebot/internal/adapters/paper"
	"github.com/adrianvm/whalebot/internal/adapters/storage"
	"github.com/adrianvm/whalebot/internal/domain"
)

// runPaper corre la sesión con bankroll virtual contra los mercados
// reales. Es el único modo que alimenta el registro que luego evalúa el
// gate de promoción, así que usa la DB configurada, nunca :memory:.
func runPaper(ctx context.Context, cfg *config.Config) int {
	cfg.Bot.Mode = "paper"
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		return exitConfig
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		return exitPersistence
	}
	defer store.Close()

	client := newDataClient(cfg)
	str := newStreamClient(cfg)
	exec := paper.NewExecutor(cfg.Paper.Commission(), cfg.Paper.GasFixed())
	notifier := buildNotifier(domain.ModePaper)

	slog.Info("starting paper session",
		"seed_usd", cfg.Paper.SeedUSD,
		"duration_hours", cfg.Bot.DurationHours,
		"top_markets", cfg.Bot.TopMarkets,
		"db", cfg.Storage.DSN,
	)

	sup, err := buildSupervisor(ctx, cfg, domain.ModePaper, store, client, client, str, exec, nil, notifier)
	if err != nil {
		slog.Error("failed to build bot", "err", err)
		return exitCodeFor(err)
	}
	if err := sup.Run(ctx); err != nil {
		slog.Error("session ended with error", "err", err)
		return exitCodeFor(err)
	}
	return exitOK
}
