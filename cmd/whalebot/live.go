package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/adrianvm/whalebot/config"
	"github.com/adrianvm/whalebot/internal/adapters/onchain"
	"github.com/adrianvm/whalebot/internal/adapters/polymarket"
	"github.com/adrianvm/whalebot/internal/adapters/storage"
	"github.com/adrianvm/whalebot/internal/application/runner"
	"github.com/adrianvm/whalebot/internal/domain"
)

// runLive corre el bot con dinero real. El orden de los checks importa:
// primero el gate de promoción sobre el registro de paper (sin tocar la
// red), después la autenticación con el CLOB y el preflight on-chain.
// Nadie llega al banner de los 5 segundos sin haber pasado el gate.
func runLive(ctx context.Context, cfg *config.Config) int {
	cfg.Bot.Mode = "live"
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		return exitConfig
	}

	pk := os.Getenv("PK")
	if pk == "" {
		slog.Error("live mode requires the PK environment variable (funder private key)")
		return exitConfig
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		return exitPersistence
	}
	defer store.Close()

	gate, err := runner.EvaluateGate(ctx, store, cfg.Paper.Seed(), gateConfig(cfg))
	if err != nil {
		slog.Error("failed to evaluate promotion gate", "err", err)
		return exitPersistence
	}
	if !gate.Passed {
		slog.Error("promotion gate not satisfied — refusing to trade real money")
		fmt.Printf("\nPromotion gate: NOT PASSED\n")
		for _, b := range gate.Blockers {
			fmt.Printf("  - %s\n", b)
		}
		fmt.Printf("\nRun more paper sessions and try again.\n\n")
		return exitGateRefusal
	}
	slog.Info("promotion gate passed",
		"runtime_hours", fmt.Sprintf("%.1f", gate.RuntimeHours),
		"capital_factor", fmt.Sprintf("%.3f", gate.CapitalFactor),
		"max_drawdown", fmt.Sprintf("%.1f%%", gate.MaxDrawdown*100),
	)

	fmt.Printf("\n⚠️  LIVE TRADING MODE — REAL MONEY WILL BE SPENT\n")
	fmt.Printf("   Seed: $%.2f | Max exposure: %.0f%% | Daily loss limit: $%.2f\n",
		cfg.Paper.SeedUSD, cfg.Risk.MaxExposurePct*100, cfg.Risk.DailyLossLimitUSD)
	fmt.Printf("   Press Ctrl+C within 5 seconds to abort...\n\n")

	abortTimer := time.NewTimer(5 * time.Second)
	select {
	case <-abortTimer.C:
	case <-ctx.Done():
		slog.Info("live trading aborted by user")
		return exitOK
	}

	client := newDataClient(cfg)
	auth, err := polymarket.NewAuthClient(client, pk)
	if err != nil {
		slog.Error("failed to create auth client — check PK", "err", err)
		return exitConfig
	}
	if err := auth.EnsureCreds(ctx); err != nil {
		slog.Error("failed to derive CLOB API credentials", "err", err)
		return exitConfig
	}
	slog.Info("authenticated with Polymarket CLOB", "address", auth.Address())

	rpcURL := os.Getenv("POLYGON_RPC")
	wallet, err := onchain.NewWallet(rpcURL, auth.Address())
	if err != nil {
		slog.Error("failed to create wallet reader", "err", err)
		return exitConfig
	}
	balance, err := wallet.USDCBalance(ctx)
	if err != nil {
		slog.Error("failed to read on-chain USDC balance", "err", err)
		return exitConfig
	}
	seed := cfg.Paper.Seed()
	slog.Info("on-chain balance", "usdc", balance.StringFixed(2))
	if balance.LessThan(seed) {
		slog.Error("insufficient USDC for the configured seed",
			"balance", balance.StringFixed(2), "required", seed.StringFixed(2))
		return exitConfig
	}

	oracle, err := onchain.NewGasClient(rpcURL)
	if err != nil {
		slog.Error("failed to create gas oracle", "err", err)
		return exitConfig
	}

	str := newStreamClient(cfg)
	exec := polymarket.NewLiveExecutor(auth)
	notifier := buildNotifier(domain.ModeLive)

	slog.Info("starting live session",
		"seed_usd", cfg.Paper.SeedUSD,
		"duration_hours", cfg.Bot.DurationHours,
		"top_markets", cfg.Bot.TopMarkets,
		"max_gas_gwei", cfg.Risk.MaxGasGwei,
	)

	sup, err := buildSupervisor(ctx, cfg, domain.ModeLive, store, client, client, str, exec, oracle, notifier)
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
