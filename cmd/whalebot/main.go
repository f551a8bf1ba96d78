package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/adrianvm/whalebot/config"
)

// Exit codes del proceso.
const (
	exitOK          = 0
	exitConfig      = 1
	exitPersistence = 2
	exitGateRefusal = 3
)

const usage = `whalebot — copy trading de whales en Polymarket

Usage:
  whalebot <command> [flags]

Commands:
  paper    corre el bot con bankroll virtual (por defecto $100)
  live     corre el bot con dinero real (requiere pasar el gate de paper)
  demo     sesión sintética offline, sin red y sin persistencia
  report   imprime el reporte de rendimiento desde la base y sale

Flags:
  -config string          ruta al YAML (default "config/config.yaml")
  -duration-hours float   sobreescribe la duración del run en horas
  -verbose                nivel de log debug
  -format string          formato de log: text|json
  -seed int               semilla del generador demo (default 42)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitConfig)
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to config file")
	durationHours := fs.Float64("duration-hours", -1, "override run duration in hours")
	verbose := fs.Bool("verbose", false, "set log level to debug")
	logFormat := fs.String("format", "", "log format: text|json (overrides config)")
	demoSeed := fs.Int64("seed", 42, "demo generator seed")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(exitConfig)
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *durationHours >= 0 {
		cfg.Bot.DurationHours = *durationHours
	}
	setupLogger(cfg.Log)

	// El primer Ctrl+C apaga ordenado; stop() restaura la señal, así
	// que el segundo mata el proceso sin esperar el grace.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	var code int
	switch command {
	case "paper":
		code = runPaper(ctx, cfg)
	case "live":
		code = runLive(ctx, cfg)
	case "demo":
		code = runDemo(ctx, cfg, *demoSeed, *durationHours)
	case "report":
		code = runReport(ctx, cfg)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		code = exitConfig
	}
	os.Exit(code)
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
