package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/adrianvm/whalebot/internal/domain"
)

// Config es la configuración completa del bot.
type Config struct {
	Bot       BotConfig       `yaml:"bot"`
	API       APIConfig       `yaml:"api"`
	Stream    StreamConfig    `yaml:"stream"`
	Detector  DetectorConfig  `yaml:"detector"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Risk      RiskConfig      `yaml:"risk"`
	Paper     PaperConfig     `yaml:"paper"`
	Promotion PromotionConfig `yaml:"promotion"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// BotConfig controla el ciclo de vida del proceso.
type BotConfig struct {
	Mode                   string  `yaml:"mode"`           // paper | live
	DurationHours          float64 `yaml:"duration_hours"` // requerido, > 0
	TopMarkets             int     `yaml:"top_markets"`    // mercados suscritos al stream
	StatusIntervalMinutes  int     `yaml:"status_interval_minutes"`
	MetricsIntervalMinutes int     `yaml:"metrics_interval_minutes"`
	StopFile               string  `yaml:"stop_file"` // crear este archivo detiene el bot
}

// APIConfig contiene los base URLs y la política HTTP de la Data API.
type APIConfig struct {
	DataBase       string `yaml:"data_base"`
	GammaBase      string `yaml:"gamma_base"`
	CLOBBase       string `yaml:"clob_base"`
	WSBase         string `yaml:"ws_base"`
	RatePerMinute  int    `yaml:"rate_per_minute"` // token bucket global
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// StreamConfig controla el websocket de mercado.
type StreamConfig struct {
	PingIntervalSeconds    int `yaml:"ping_interval_seconds"`
	ReadIdleTimeoutSeconds int `yaml:"read_idle_timeout_seconds"`
	MinBuffer              int `yaml:"min_buffer"` // piso del buffer de eventos
}

// DetectorConfig controla el descubrimiento y calificación de whales.
type DetectorConfig struct {
	PollSeconds         int           `yaml:"poll_seconds"`
	DailyTradeThreshold int           `yaml:"daily_trade_threshold"` // trades en un día para ser candidata
	MinTradeSizeUSD     float64       `yaml:"min_trade_size_usd"`    // trades menores se ignoran
	Qualification       Qualification `yaml:"qualification"`
	TopN                int           `yaml:"top_n"`
}

// Qualification son los umbrales para pasar de DISCOVERED a QUALIFIED.
// Una whale calificada que deja de cumplirlos se demociona.
type Qualification struct {
	MinTrades          int     `yaml:"min_trades"`
	MinVolumeUSD       float64 `yaml:"min_volume_usd"`
	MinTradesLast3Days int     `yaml:"min_trades_last_3d"`
	MinDaysActive      int     `yaml:"min_days_active"`
	MaxInactiveDays    int     `yaml:"max_inactive_days"`
}

// SizingConfig son los parámetros del sizing Kelly fraccional.
type SizingConfig struct {
	KellyPrior     float64 `yaml:"kelly_prior"`
	RankAlpha      float64 `yaml:"rank_alpha"`
	QuarterKelly   float64 `yaml:"quarter_kelly"`
	FractionCap    float64 `yaml:"fraction_cap"`
	MinPositionPct float64 `yaml:"min_position_pct"`
	MaxPositionPct float64 `yaml:"max_position_pct"`
}

// RiskConfig son los límites pre-trade y los triggers del kill switch.
type RiskConfig struct {
	DailyLossLimitUSD        float64 `yaml:"daily_loss_limit_usd"`
	MaxExposurePct           float64 `yaml:"max_exposure_pct"`        // sobre el bankroll total
	MaxMarketExposurePct     float64 `yaml:"max_market_exposure_pct"` // por mercado
	SingleTradeDrawdownPct   float64 `yaml:"single_trade_drawdown_pct"`
	MaxConsecutiveLosses     int     `yaml:"max_consecutive_losses"`
	MaxExecFailures          int     `yaml:"max_exec_failures"`
	ExecFailureWindowMinutes int     `yaml:"exec_failure_window_minutes"`
	MaxGasGwei               float64 `yaml:"max_gas_gwei"`   // solo live
	RiskScoreMax             int     `yaml:"risk_score_max"` // whales por encima no se copian
	EmergencyUnwind          bool    `yaml:"emergency_unwind"`
}

// PaperConfig controla el bankroll virtual y sus fees simulados.
// ScaleIn permite abrir más de una copia del mismo par whale+mercado
// cuando la whale insiste en el mismo lado; apagado por defecto.
type PaperConfig struct {
	SeedUSD        float64 `yaml:"seed_usd"`
	CommissionRate float64 `yaml:"commission_rate"`
	GasFixedUSD    float64 `yaml:"gas_fixed_usd"`
	ScaleIn        bool    `yaml:"scale_in"`
}

// PromotionConfig son los requisitos para pasar de paper a live.
// El win rate NO es requisito: con pocas muestras no es señal.
type PromotionConfig struct {
	MinRuntimeHours  float64 `yaml:"min_runtime_hours"`
	MinCapitalFactor float64 `yaml:"min_capital_factor"` // capital final / seed
	MaxDrawdownPct   float64 `yaml:"max_drawdown_pct"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si
// existe. Las variables de entorno sobreescriben al YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// PollInterval devuelve el intervalo del detector como time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Detector.PollSeconds) * time.Second
}

// StatusInterval devuelve cada cuánto se imprime la línea de estado.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.Bot.StatusIntervalMinutes) * time.Minute
}

// MetricsInterval devuelve la cadencia del agregador de métricas.
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.Bot.MetricsIntervalMinutes) * time.Minute
}

// RunDuration devuelve la duración máxima del run.
func (c *Config) RunDuration() time.Duration {
	return time.Duration(c.Bot.DurationHours * float64(time.Hour))
}

// HTTPTimeout devuelve el timeout por request de la Data API.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// PingInterval devuelve la cadencia del PING del websocket.
func (c *StreamConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// ReadIdleTimeout devuelve el máximo silencio tolerado antes de reconectar.
func (c *StreamConfig) ReadIdleTimeout() time.Duration {
	return time.Duration(c.ReadIdleTimeoutSeconds) * time.Second
}

// ExecFailureWindow devuelve la ventana móvil de fallos de ejecución.
func (c *RiskConfig) ExecFailureWindow() time.Duration {
	return time.Duration(c.ExecFailureWindowMinutes) * time.Minute
}

// Seed devuelve el capital inicial como decimal.
func (c *PaperConfig) Seed() decimal.Decimal {
	return decimal.NewFromFloat(c.SeedUSD)
}

// Commission devuelve la comisión simulada como decimal.
func (c *PaperConfig) Commission() decimal.Decimal {
	return decimal.NewFromFloat(c.CommissionRate)
}

// GasFixed devuelve el gas fijo simulado como decimal.
func (c *PaperConfig) GasFixed() decimal.Decimal {
	return decimal.NewFromFloat(c.GasFixedUSD)
}

// SizingParams convierte la sección de sizing a los parámetros del dominio.
func (c *SizingConfig) SizingParams() domain.SizingParams {
	return domain.SizingParams{
		KellyPrior:   c.KellyPrior,
		RankAlpha:    c.RankAlpha,
		QuarterKelly: c.QuarterKelly,
		FractionCap:  c.FractionCap,
		MinPosPct:    c.MinPositionPct,
		MaxPosPct:    c.MaxPositionPct,
	}
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("WHALEBOT_DB"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("WHALEBOT_MODE"); v != "" {
		cfg.Bot.Mode = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Bot.Mode == "" {
		cfg.Bot.Mode = "paper"
	}
	if cfg.Bot.TopMarkets <= 0 {
		cfg.Bot.TopMarkets = 50
	}
	if cfg.Bot.StatusIntervalMinutes <= 0 {
		cfg.Bot.StatusIntervalMinutes = 60
	}
	if cfg.Bot.MetricsIntervalMinutes <= 0 {
		cfg.Bot.MetricsIntervalMinutes = 5
	}
	if cfg.Bot.StopFile == "" {
		cfg.Bot.StopFile = "STOP"
	}

	if cfg.API.DataBase == "" {
		cfg.API.DataBase = "https://data-api.polymarket.com"
	}
	if cfg.API.GammaBase == "" {
		cfg.API.GammaBase = "https://gamma-api.polymarket.com"
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.API.WSBase == "" {
		cfg.API.WSBase = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	}
	if cfg.API.RatePerMinute <= 0 {
		cfg.API.RatePerMinute = 100
	}
	if cfg.API.TimeoutSeconds <= 0 {
		cfg.API.TimeoutSeconds = 30
	}
	if cfg.API.MaxRetries <= 0 {
		cfg.API.MaxRetries = 3
	}

	if cfg.Stream.PingIntervalSeconds <= 0 {
		cfg.Stream.PingIntervalSeconds = 5
	}
	if cfg.Stream.ReadIdleTimeoutSeconds <= 0 {
		cfg.Stream.ReadIdleTimeoutSeconds = 30
	}
	if cfg.Stream.MinBuffer <= 0 {
		cfg.Stream.MinBuffer = 256
	}

	if cfg.Detector.PollSeconds <= 0 {
		cfg.Detector.PollSeconds = 60
	}
	if cfg.Detector.DailyTradeThreshold <= 0 {
		cfg.Detector.DailyTradeThreshold = 5
	}
	if cfg.Detector.MinTradeSizeUSD <= 0 {
		cfg.Detector.MinTradeSizeUSD = 50
	}
	if cfg.Detector.Qualification.MinTrades <= 0 {
		cfg.Detector.Qualification.MinTrades = 10
	}
	if cfg.Detector.Qualification.MinVolumeUSD <= 0 {
		cfg.Detector.Qualification.MinVolumeUSD = 500
	}
	if cfg.Detector.Qualification.MinTradesLast3Days <= 0 {
		cfg.Detector.Qualification.MinTradesLast3Days = 3
	}
	if cfg.Detector.Qualification.MinDaysActive <= 0 {
		cfg.Detector.Qualification.MinDaysActive = 1
	}
	if cfg.Detector.Qualification.MaxInactiveDays <= 0 {
		cfg.Detector.Qualification.MaxInactiveDays = 30
	}
	if cfg.Detector.TopN <= 0 {
		cfg.Detector.TopN = 10
	}

	if cfg.Sizing.KellyPrior <= 0 {
		cfg.Sizing.KellyPrior = domain.DefaultKellyPrior
	}
	if cfg.Sizing.RankAlpha <= 0 {
		cfg.Sizing.RankAlpha = domain.DefaultRankAlpha
	}
	if cfg.Sizing.QuarterKelly <= 0 {
		cfg.Sizing.QuarterKelly = domain.DefaultQuarterKelly
	}
	if cfg.Sizing.FractionCap <= 0 {
		cfg.Sizing.FractionCap = domain.DefaultFractionCap
	}
	if cfg.Sizing.MinPositionPct <= 0 {
		cfg.Sizing.MinPositionPct = domain.DefaultMinPosPct
	}
	if cfg.Sizing.MaxPositionPct <= 0 {
		cfg.Sizing.MaxPositionPct = domain.DefaultMaxPosPct
	}

	if cfg.Risk.DailyLossLimitUSD <= 0 {
		cfg.Risk.DailyLossLimitUSD = 10
	}
	if cfg.Risk.MaxExposurePct <= 0 {
		cfg.Risk.MaxExposurePct = 0.80
	}
	if cfg.Risk.MaxMarketExposurePct <= 0 {
		cfg.Risk.MaxMarketExposurePct = 0.25
	}
	if cfg.Risk.SingleTradeDrawdownPct <= 0 {
		cfg.Risk.SingleTradeDrawdownPct = 0.05
	}
	if cfg.Risk.RiskScoreMax <= 0 {
		cfg.Risk.RiskScoreMax = 6
	}
	if cfg.Risk.MaxConsecutiveLosses <= 0 {
		cfg.Risk.MaxConsecutiveLosses = 3
	}
	if cfg.Risk.MaxExecFailures <= 0 {
		cfg.Risk.MaxExecFailures = 3
	}
	if cfg.Risk.ExecFailureWindowMinutes <= 0 {
		cfg.Risk.ExecFailureWindowMinutes = 10
	}
	if cfg.Risk.MaxGasGwei <= 0 {
		cfg.Risk.MaxGasGwei = 100
	}

	if cfg.Paper.SeedUSD <= 0 {
		cfg.Paper.SeedUSD = 100
	}
	if cfg.Paper.CommissionRate <= 0 {
		cfg.Paper.CommissionRate = 0.002
	}
	if cfg.Paper.GasFixedUSD <= 0 {
		cfg.Paper.GasFixedUSD = 1.50
	}

	if cfg.Promotion.MinRuntimeHours <= 0 {
		cfg.Promotion.MinRuntimeHours = 168 // 7 días
	}
	if cfg.Promotion.MinCapitalFactor <= 0 {
		cfg.Promotion.MinCapitalFactor = 1.25
	}
	if cfg.Promotion.MaxDrawdownPct <= 0 {
		cfg.Promotion.MaxDrawdownPct = 0.20
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "whalebot.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate comprueba los invariantes de la configuración ya normalizada.
// Devuelve domain.ConfigError en el primer campo inválido.
func (c *Config) Validate() error {
	if c.Bot.Mode != "paper" && c.Bot.Mode != "live" {
		return &domain.ConfigError{Field: "bot.mode", Reason: fmt.Sprintf("must be paper or live, got %q", c.Bot.Mode)}
	}
	if c.Bot.DurationHours <= 0 {
		return &domain.ConfigError{Field: "bot.duration_hours", Reason: "must be > 0"}
	}
	if c.Paper.CommissionRate >= 1 {
		return &domain.ConfigError{Field: "paper.commission_rate", Reason: "must be < 1"}
	}
	if c.Sizing.MinPositionPct > c.Sizing.MaxPositionPct {
		return &domain.ConfigError{Field: "sizing.min_position_pct", Reason: "must be <= sizing.max_position_pct"}
	}
	if c.Sizing.MaxPositionPct > 1 {
		return &domain.ConfigError{Field: "sizing.max_position_pct", Reason: "must be <= 1"}
	}
	if c.Risk.MaxExposurePct > 1 {
		return &domain.ConfigError{Field: "risk.max_exposure_pct", Reason: "must be <= 1"}
	}
	if c.Risk.MaxMarketExposurePct > c.Risk.MaxExposurePct {
		return &domain.ConfigError{Field: "risk.max_market_exposure_pct", Reason: "must be <= risk.max_exposure_pct"}
	}
	if c.Promotion.MaxDrawdownPct > 1 {
		return &domain.ConfigError{Field: "promotion.max_drawdown_pct", Reason: "must be <= 1"}
	}
	if c.Promotion.MinCapitalFactor < 1 {
		return &domain.ConfigError{Field: "promotion.min_capital_factor", Reason: "must be >= 1"}
	}
	return nil
}
