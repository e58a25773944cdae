package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds environment-driven settings for the bot.
type Config struct {
	Trading     TradingConfig     `envconfig:"TRADING"`
	Risk        RiskConfig        `envconfig:"RISK"`
	Execution   ExecutionConfig   `envconfig:"EXECUTION"`
	Emergency   EmergencyConfig   `envconfig:"EMERGENCY"`
	Balance     BalanceConfig     `envconfig:"BALANCE"`
	Exchange    ExchangeConfig    `envconfig:"BINANCE"`
	Persistence PersistenceConfig `envconfig:"PERSISTENCE"`
	Redis       RedisConfig       `envconfig:"REDIS"`
	API         APIConfig         `envconfig:"API"`
	Log         LogConfig         `envconfig:"LOG"`
}

// TradingConfig drives the trading loop.
type TradingConfig struct {
	Pairs          []string      `envconfig:"PAIRS" default:"DOGE_EUR"`
	Interval       time.Duration `envconfig:"INTERVAL" default:"60s"`
	QuoteCurrency  string        `envconfig:"QUOTE_CURRENCY" default:"EUR"`
	InitialBalance float64       `envconfig:"INITIAL_BALANCE" default:"1000"`
	StrategyFile   string        `envconfig:"STRATEGY_FILE" default:"./strategies.yaml"`
	Feed           string        `envconfig:"FEED" default:"mock"` // mock or binance
	FeedVolatility float64       `envconfig:"FEED_VOLATILITY" default:"0.01"`
	FeedStartPrice float64       `envconfig:"FEED_START_PRICE" default:"0.10"`
}

// RiskConfig mirrors risk.Limits; percentages are 0-100.
type RiskConfig struct {
	MaxPositionSizePct float64 `envconfig:"MAX_POSITION_SIZE_PCT" default:"10"`
	MaxDailyLossPct    float64 `envconfig:"MAX_DAILY_LOSS_PCT" default:"5"`
	MaxDrawdownPct     float64 `envconfig:"MAX_DRAWDOWN_PCT" default:"15"`
	EmergencyStopPct   float64 `envconfig:"EMERGENCY_STOP_PCT" default:"20"`
	MaxTradesPerHour   int     `envconfig:"MAX_TRADES_PER_HOUR" default:"20"`
	MaxTradesPerDay    int     `envconfig:"MAX_TRADES_PER_DAY" default:"100"`
	MinBalance         float64 `envconfig:"MIN_BALANCE" default:"5"`

	LowConfidenceThreshold  float64 `envconfig:"LOW_CONFIDENCE_THRESHOLD" default:"0.7"`
	HighVolatilityThreshold float64 `envconfig:"HIGH_VOLATILITY_THRESHOLD" default:"0.05"`
	HighVolatilityFactor    float64 `envconfig:"HIGH_VOLATILITY_FACTOR" default:"0.7"`
	MaxLossDampening        float64 `envconfig:"MAX_LOSS_DAMPENING" default:"0.3"`
	MinRiskFactor           float64 `envconfig:"MIN_RISK_FACTOR" default:"0.1"`

	LossDurationPct   float64       `envconfig:"LOSS_DURATION_PCT" default:"8"`
	LossDurationLimit time.Duration `envconfig:"LOSS_DURATION_LIMIT" default:"4h"`
	HistorySize       int           `envconfig:"HISTORY_SIZE" default:"100"`
}

// ExecutionConfig controls the order execution service.
type ExecutionConfig struct {
	Mode              string        `envconfig:"MODE" default:"SIMULATION"`
	MaxSlippagePct    float64       `envconfig:"MAX_SLIPPAGE_PCT" default:"0.5"`
	Timeout           time.Duration `envconfig:"TIMEOUT" default:"30s"`
	RetryAttempts     int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryDelay        time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
	RequestsPerMinute int           `envconfig:"REQUESTS_PER_MINUTE" default:"60"`
	MinOrderValue     float64       `envconfig:"MIN_ORDER_VALUE" default:"5"`
}

// EmergencyConfig controls the emergency exit service.
type EmergencyConfig struct {
	MaxSlippagePct float64 `envconfig:"MAX_SLIPPAGE_PCT" default:"5"`
	DailyLossLimit float64 `envconfig:"DAILY_LOSS_LIMIT" default:"500"`
}

// BalanceConfig controls the balance tracker.
type BalanceConfig struct {
	CacheTTL       time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	ReservationTTL time.Duration `envconfig:"RESERVATION_TTL" default:"5m"`
}

// ExchangeConfig holds the Binance spot credentials used by LIVE execution.
// Market data from the binance feed needs no key.
type ExchangeConfig struct {
	APIKey            string        `envconfig:"API_KEY"`
	APISecret         string        `envconfig:"API_SECRET"`
	Testnet           bool          `envconfig:"TESTNET" default:"false"`
	BaseURL           string        `envconfig:"BASE_URL"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"5m"`
}

// PersistenceConfig selects the storage backend.
type PersistenceConfig struct {
	Backend string `envconfig:"BACKEND" default:"sqlite"` // sqlite, redis, memory
	DBPath  string `envconfig:"DB_PATH" default:"./data/doge-trader.db"`
}

// RedisConfig is used when Persistence.Backend is redis.
type RedisConfig struct {
	Addr      string `envconfig:"ADDR" default:"localhost:6379"`
	Password  string `envconfig:"PASSWORD"`
	DB        int    `envconfig:"DB" default:"0"`
	KeyPrefix string `envconfig:"KEY_PREFIX" default:"doge-trader:"`
}

// APIConfig controls the ops HTTP and gRPC health endpoints.
type APIConfig struct {
	Enabled        bool          `envconfig:"ENABLED" default:"true"`
	Addr           string        `envconfig:"ADDR" default:":8080"`
	GRPCAddr       string        `envconfig:"GRPC_ADDR" default:":9090"`
	JWTSecret      string        `envconfig:"JWT_SECRET" default:"dev-secret"`
	HealthInterval time.Duration `envconfig:"HEALTH_INTERVAL" default:"10s"`
}

// LogConfig mirrors logger.Options.
type LogConfig struct {
	Level      string `envconfig:"LEVEL" default:"info"`
	Format     string `envconfig:"FORMAT" default:"json"`
	File       string `envconfig:"FILE"`
	MaxSizeMB  int    `envconfig:"MAX_SIZE_MB" default:"100"`
	MaxBackups int    `envconfig:"MAX_BACKUPS" default:"5"`
	MaxAgeDays int    `envconfig:"MAX_AGE_DAYS" default:"14"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in defaults without reading the environment.
func DefaultConfig() *Config {
	cfg := &Config{
		Trading: TradingConfig{
			Pairs:          []string{"DOGE_EUR"},
			Interval:       60 * time.Second,
			QuoteCurrency:  "EUR",
			InitialBalance: 1000,
			StrategyFile:   "./strategies.yaml",
			Feed:           "mock",
			FeedVolatility: 0.01,
			FeedStartPrice: 0.10,
		},
		Risk: RiskConfig{
			MaxPositionSizePct:      10,
			MaxDailyLossPct:         5,
			MaxDrawdownPct:          15,
			EmergencyStopPct:        20,
			MaxTradesPerHour:        20,
			MaxTradesPerDay:         100,
			MinBalance:              5,
			LowConfidenceThreshold:  0.7,
			HighVolatilityThreshold: 0.05,
			HighVolatilityFactor:    0.7,
			MaxLossDampening:        0.3,
			MinRiskFactor:           0.1,
			LossDurationPct:         8,
			LossDurationLimit:       4 * time.Hour,
			HistorySize:             100,
		},
		Execution: ExecutionConfig{
			Mode:              "SIMULATION",
			MaxSlippagePct:    0.5,
			Timeout:           30 * time.Second,
			RetryAttempts:     3,
			RetryDelay:        time.Second,
			RequestsPerMinute: 60,
			MinOrderValue:     5,
		},
		Emergency: EmergencyConfig{
			MaxSlippagePct: 5,
			DailyLossLimit: 500,
		},
		Balance: BalanceConfig{
			CacheTTL:       30 * time.Second,
			ReservationTTL: 5 * time.Minute,
		},
		Exchange:    ExchangeConfig{ReconcileInterval: 5 * time.Minute},
		Persistence: PersistenceConfig{Backend: "sqlite", DBPath: "./data/doge-trader.db"},
		Redis:       RedisConfig{Addr: "localhost:6379", KeyPrefix: "doge-trader:"},
		API:         APIConfig{Enabled: true, Addr: ":8080", GRPCAddr: ":9090", JWTSecret: "dev-secret", HealthInterval: 10 * time.Second},
		Log:         LogConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
	}
	return cfg
}

func (c *Config) normalize() {
	c.Execution.Mode = strings.ToUpper(strings.TrimSpace(c.Execution.Mode))
	c.Persistence.Backend = strings.ToLower(strings.TrimSpace(c.Persistence.Backend))
	c.Trading.QuoteCurrency = strings.ToUpper(strings.TrimSpace(c.Trading.QuoteCurrency))
	c.Trading.Feed = strings.ToLower(strings.TrimSpace(c.Trading.Feed))
	c.Trading.Pairs = splitAndTrim(c.Trading.Pairs)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Trading.Pairs) == 0 {
		errs = append(errs, errors.New("TRADING_PAIRS must list at least one pair"))
	}
	if c.Trading.Interval <= 0 {
		errs = append(errs, errors.New("TRADING_INTERVAL must be positive"))
	}
	switch c.Execution.Mode {
	case "SIMULATION", "PAPER", "LIVE":
	default:
		errs = append(errs, fmt.Errorf("EXECUTION_MODE %q is not one of SIMULATION, PAPER, LIVE", c.Execution.Mode))
	}
	switch c.Trading.Feed {
	case "mock", "binance":
	default:
		errs = append(errs, fmt.Errorf("TRADING_FEED %q is not one of mock, binance", c.Trading.Feed))
	}
	if c.Execution.Mode == "LIVE" && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		errs = append(errs, errors.New("LIVE execution needs BINANCE_API_KEY and BINANCE_API_SECRET"))
	}
	switch c.Persistence.Backend {
	case "sqlite", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("PERSISTENCE_BACKEND %q is not one of sqlite, redis, memory", c.Persistence.Backend))
	}
	for name, pct := range map[string]float64{
		"RISK_MAX_POSITION_SIZE_PCT": c.Risk.MaxPositionSizePct,
		"RISK_MAX_DAILY_LOSS_PCT":    c.Risk.MaxDailyLossPct,
		"RISK_MAX_DRAWDOWN_PCT":      c.Risk.MaxDrawdownPct,
		"RISK_EMERGENCY_STOP_PCT":    c.Risk.EmergencyStopPct,
	} {
		if pct <= 0 || pct > 100 {
			errs = append(errs, fmt.Errorf("%s must be in (0,100], got %.2f", name, pct))
		}
	}
	if c.Risk.MaxTradesPerHour <= 0 || c.Risk.MaxTradesPerDay <= 0 {
		errs = append(errs, errors.New("risk trade caps must be positive"))
	}
	if c.Risk.MinRiskFactor <= 0 || c.Risk.MinRiskFactor > 1 {
		errs = append(errs, errors.New("RISK_MIN_RISK_FACTOR must be in (0,1]"))
	}
	if c.Execution.RetryAttempts < 0 {
		errs = append(errs, errors.New("EXECUTION_RETRY_ATTEMPTS must not be negative"))
	}
	if c.Execution.Timeout <= 0 {
		errs = append(errs, errors.New("EXECUTION_TIMEOUT must be positive"))
	}
	if c.Emergency.MaxSlippagePct < 0 || c.Emergency.MaxSlippagePct >= 100 {
		errs = append(errs, errors.New("EMERGENCY_MAX_SLIPPAGE_PCT must be in [0,100)"))
	}
	return errors.Join(errs...)
}

func splitAndTrim(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, strings.ToUpper(t))
			}
		}
	}
	return out
}
