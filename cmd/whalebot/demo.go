package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/adrianvm/whalebot/config"
	"github.com/adrianvm/whalebot/internal/adapters/demo"
	"github.com/adrianvm/whalebot/internal/adapters/notify"
	"github.com/adrianvm/whalebot/internal/adapters/paper"
	"github.com/adrianvm/whalebot/internal/adapters/storage"
	"github.com/adrianvm/whalebot/internal/domain"
)

// Cadencias comprimidas para que una demo de tres minutos muestre
// ciclos de detector, status y métricas completos.
const (
	demoDurationHours = 0.05 // 3 minutos salvo -duration-hours
	demoPollSeconds   = 10
)

// runDemo corre el pipeline entero contra el feed sintético: sin red,
// sin API keys y sin persistencia. La DB va a :memory: a propósito —
// una demo no debe contaminar el registro que evalúa el gate.
func runDemo(ctx context.Context, cfg *config.Config, seed int64, durationHours float64) int {
	cfg.Bot.Mode = "paper"
	cfg.Bot.DurationHours = demoDurationHours
	if durationHours > 0 {
		cfg.Bot.DurationHours = durationHours
	}
	cfg.Bot.StatusIntervalMinutes = 1
	cfg.Bot.MetricsIntervalMinutes = 1
	cfg.Detector.PollSeconds = demoPollSeconds
	cfg.Storage.DSN = ":memory:"
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		return exitConfig
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		return exitPersistence
	}
	defer store.Close()

	feed := demo.NewFeed(seed, 4, 6, 2*time.Second)
	exec := paper.NewExecutor(cfg.Paper.Commission(), cfg.Paper.GasFixed())
	// Solo consola: una demo offline no tiene por qué mandar Telegram.
	notifier := notify.NewConsole(domain.ModePaper)

	slog.Info("starting demo session",
		"generator_seed", seed,
		"duration_hours", cfg.Bot.DurationHours,
		"whales", 4,
		"markets", 6,
	)

	sup, err := buildSupervisor(ctx, cfg, domain.ModePaper, store, feed, feed, feed, exec, nil, notifier)
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
