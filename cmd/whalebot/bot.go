package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/adrianvm/whalebot/config"
	"github.com/adrianvm/whalebot/internal/adapters/notify"
	"github.com/adrianvm/whalebot/internal/adapters/polymarket"
	"github.com/adrianvm/whalebot/internal/adapters/stream"
	"github.com/adrianvm/whalebot/internal/application/bankroll"
	"github.com/adrianvm/whalebot/internal/application/detector"
	"github.com/adrianvm/whalebot/internal/application/engine"
	"github.com/adrianvm/whalebot/internal/application/metrics"
	"github.com/adrianvm/whalebot/internal/application/risk"
	"github.com/adrianvm/whalebot/internal/application/runner"
	"github.com/adrianvm/whalebot/internal/application/tracker"
	"github.com/adrianvm/whalebot/internal/domain"
	"github.com/adrianvm/whalebot/internal/ports"
)

// buildSupervisor cablea el bot completo a partir de los adapters que
// cada subcomando eligió. Aquí no se decide nada: paper, live y demo
// pasan por el mismo camino y solo cambian executor, feed y oracle.
func buildSupervisor(
	ctx context.Context,
	cfg *config.Config,
	mode domain.Mode,
	store ports.Store,
	provider ports.TradeProvider,
	markets ports.MarketProvider,
	str ports.Stream,
	exec ports.Executor,
	oracle ports.GasOracle,
	notifier ports.Notifier,
) (*runner.Supervisor, error) {
	seed := cfg.Paper.Seed()

	bank, err := bankroll.Resume(ctx, store, mode, seed)
	if err != nil {
		return nil, err
	}

	riskMgr := risk.New(store, notifier, mode, riskLimits(cfg))
	trk := tracker.New(provider, store)
	det := detector.New(detectorConfig(cfg), provider, store, trk, riskMgr)
	eng := engine.New(engine.Config{
		Sizing:       cfg.Sizing.SizingParams(),
		Mode:         mode,
		ScaleIn:      cfg.Paper.ScaleIn,
		MaxRiskScore: cfg.Risk.RiskScoreMax,
	}, bank, riskMgr, exec, oracle, notifier)
	agg := metrics.New(store, store, seed)

	sup := runner.New(runner.Config{
		Mode:            mode,
		TopMarkets:      cfg.Bot.TopMarkets,
		Duration:        cfg.RunDuration(),
		StatusInterval:  cfg.StatusInterval(),
		MetricsInterval: cfg.MetricsInterval(),
		StopFile:        cfg.Bot.StopFile,
		EmergencyUnwind: cfg.Risk.EmergencyUnwind,
		Seed:            seed,
		Gate:            gateConfig(cfg),
	}, runner.Deps{
		Store:    store,
		Markets:  markets,
		Stream:   str,
		Detector: det,
		Engine:   eng,
		Bankroll: bank,
		Risk:     riskMgr,
		Metrics:  agg,
		Notifier: notifier,
	})
	return sup, nil
}

// buildNotifier compone consola + Telegram. Telegram solo entra si sus
// variables de entorno están presentes; NewMulti ignora los nil.
func buildNotifier(mode domain.Mode) ports.Notifier {
	console := notify.NewConsole(mode)
	tg := notify.NewTelegramFromEnv(mode)
	if tg == nil {
		return console
	}
	slog.Info("telegram notifications enabled")
	return notify.NewMulti(console, tg)
}

func riskLimits(cfg *config.Config) risk.Limits {
	return risk.Limits{
		DailyLossLimitUSD:      decimal.NewFromFloat(cfg.Risk.DailyLossLimitUSD),
		MaxExposurePct:         decimal.NewFromFloat(cfg.Risk.MaxExposurePct),
		MaxMarketExposurePct:   decimal.NewFromFloat(cfg.Risk.MaxMarketExposurePct),
		SingleTradeDrawdownPct: decimal.NewFromFloat(cfg.Risk.SingleTradeDrawdownPct),
		MaxConsecutiveLosses:   cfg.Risk.MaxConsecutiveLosses,
		MaxExecFailures:        cfg.Risk.MaxExecFailures,
		ExecFailureWindow:      cfg.Risk.ExecFailureWindow(),
		MaxGasGwei:             decimal.NewFromFloat(cfg.Risk.MaxGasGwei),
	}
}

func detectorConfig(cfg *config.Config) detector.Config {
	return detector.Config{
		PollInterval:        cfg.PollInterval(),
		DailyTradeThreshold: cfg.Detector.DailyTradeThreshold,
		MinTradeSizeUSD:     decimal.NewFromFloat(cfg.Detector.MinTradeSizeUSD),
		MinTrades:           cfg.Detector.Qualification.MinTrades,
		MinVolumeUSD:        decimal.NewFromFloat(cfg.Detector.Qualification.MinVolumeUSD),
		MinTradesLast3Days:  cfg.Detector.Qualification.MinTradesLast3Days,
		MinDaysActive:       cfg.Detector.Qualification.MinDaysActive,
		MaxInactiveDays:     cfg.Detector.Qualification.MaxInactiveDays,
		TopN:                cfg.Detector.TopN,
	}
}

func gateConfig(cfg *config.Config) runner.GateConfig {
	return runner.GateConfig{
		MinRuntimeHours:  cfg.Promotion.MinRuntimeHours,
		MinCapitalFactor: cfg.Promotion.MinCapitalFactor,
		MaxDrawdownPct:   cfg.Promotion.MaxDrawdownPct,
	}
}

func newDataClient(cfg *config.Config) *polymarket.Client {
	return polymarket.NewClient(polymarket.ClientConfig{
		DataBase:      cfg.API.DataBase,
		GammaBase:     cfg.API.GammaBase,
		CLOBBase:      cfg.API.CLOBBase,
		RatePerMinute: cfg.API.RatePerMinute,
		Timeout:       cfg.HTTPTimeout(),
		MaxRetries:    cfg.API.MaxRetries,
	})
}

func newStreamClient(cfg *config.Config) *stream.Client {
	return stream.NewClient(stream.Config{
		URL:             cfg.API.WSBase,
		PingInterval:    cfg.Stream.PingInterval(),
		ReadIdleTimeout: cfg.Stream.ReadIdleTimeout(),
		MinBuffer:       cfg.Stream.MinBuffer,
	})
}

// exitCodeFor traduce un error de arranque a su exit code. Todo lo que
// no sea un fallo de persistencia cuenta como problema de configuración
// o de entorno.
func exitCodeFor(err error) int {
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return exitPersistence
	}
	return exitConfig
}
