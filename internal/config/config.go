// Package config provides configuration management for the trading bot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/spx_straddler/internal/calendar"
)

// Documented configuration defaults.
const (
	defaultTimezone          = "America/New_York"
	defaultCycleInterval     = "1m"
	defaultSymbol            = "SPXW"
	defaultIndexSymbol       = "SPX"
	defaultLadderHalfWidth   = 10
	defaultMaxSpreadPct      = 20.0
	defaultMinSpot           = 3000.0
	defaultMaxSpot           = 8000.0
	defaultMultiplier        = 100.0
	defaultMaxRiskFraction   = 0.02
	defaultConnectionRetries = 3
	defaultMaxAttempts       = 3
	defaultPollInterval      = "1s"
	defaultAttemptTimeout    = "10s"
	defaultFinalTimeout      = "30s"
	defaultPriceBufferPct    = 2.0
	defaultWideSpreadPct     = 5.0
	defaultTightSpreadPct    = 1.0
	defaultUrgentMarkup      = 0.01
	defaultTightFraction     = 0.6
	defaultNormalFraction    = 0.75
	defaultJournalPath       = "trades.jsonl"
	defaultDashboardPort     = 8080

	// PolicyStrict enforces tiered sizing and pre-trade risk checks.
	PolicyStrict = "strict"
	// PolicyNoLimits sizes purely by the risk budget and accepts every trade.
	PolicyNoLimits = "no_limits"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Orders      OrdersConfig      `yaml:"orders"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider          string `yaml:"provider"` // tradier | simulated
	APIKey            string `yaml:"api_key"`
	APIEndpoint       string `yaml:"api_endpoint"`
	AccountID         string `yaml:"account_id"`
	ConnectionRetries int    `yaml:"connection_retries"`
}

// ScheduleConfig defines trading schedule and market hours.
type ScheduleConfig struct {
	Timezone      string   `yaml:"timezone"`     // e.g., "America/New_York"
	MarketOpen    string   `yaml:"market_open"`  // "HH:MM"
	MarketClose   string   `yaml:"market_close"` // "HH:MM"
	Holidays      []string `yaml:"holidays"`     // "YYYY-MM-DD"; empty uses built-in list
	CycleInterval string   `yaml:"cycle_interval"`
}

// StrategyConfig defines strike selection parameters.
type StrategyConfig struct {
	Symbol          string  `yaml:"symbol"`       // option root, e.g. SPXW
	IndexSymbol     string  `yaml:"index_symbol"` // underlying quote, e.g. SPX
	LadderHalfWidth int     `yaml:"ladder_half_width"`
	MaxSpreadPct    float64 `yaml:"max_spread_pct"`
	MinSpot         float64 `yaml:"min_spot"`
	MaxSpot         float64 `yaml:"max_spot"`
	Multiplier      float64 `yaml:"multiplier"`
}

// RiskConfig defines position sizing parameters.
type RiskConfig struct {
	Policy          string  `yaml:"policy"` // strict | no_limits
	MaxRiskFraction float64 `yaml:"max_risk_fraction"`
	BlockOnExisting bool    `yaml:"block_on_existing"`
}

// OrdersConfig defines order execution and pricing parameters.
type OrdersConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	PollInterval   string  `yaml:"poll_interval"`
	AttemptTimeout string  `yaml:"attempt_timeout"`
	FinalTimeout   string  `yaml:"final_timeout"`
	PriceBufferPct float64 `yaml:"price_buffer_pct"`
	WideSpreadPct  float64 `yaml:"wide_spread_pct"`
	TightSpreadPct float64 `yaml:"tight_spread_pct"`
	UrgentMarkup   float64 `yaml:"urgent_markup"`
	TightFraction  float64 `yaml:"tight_fraction"`
	NormalFraction float64 `yaml:"normal_fraction"`
}

// StorageConfig defines where trade records are journaled.
type StorageConfig struct {
	JournalPath string `yaml:"journal_path"`
}

// DashboardConfig defines the status HTTP server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// LoadEnv loads KEY=VALUE pairs from envFile into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnv(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", envFile, err)
	}
	return nil
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes onto Defaults, expanding ${VAR}
// references first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	config := Defaults()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fills defaults and checks that all values are valid and consistent.
func (c *Config) Validate() error {
	c.applyDefaults()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	// Broker validation
	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case "simulated":
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'simulated'")
	}
	if c.Broker.ConnectionRetries < 1 {
		return fmt.Errorf("broker.connection_retries must be >= 1")
	}

	// Schedule validation
	if _, err := time.ParseDuration(c.Schedule.CycleInterval); err != nil {
		return fmt.Errorf("schedule.cycle_interval invalid: %w", err)
	}
	if _, err := calendar.New(c.CalendarConfig()); err != nil {
		return err
	}

	// Strategy validation
	if c.Strategy.LadderHalfWidth < 1 {
		return fmt.Errorf("strategy.ladder_half_width must be >= 1")
	}
	if c.Strategy.MaxSpreadPct <= 0 || c.Strategy.MaxSpreadPct > 100 {
		return fmt.Errorf("strategy.max_spread_pct must be in (0,100]")
	}
	if c.Strategy.MinSpot <= 0 || c.Strategy.MinSpot >= c.Strategy.MaxSpot {
		return fmt.Errorf("strategy.min_spot (%.2f) must be > 0 and < strategy.max_spot (%.2f)",
			c.Strategy.MinSpot, c.Strategy.MaxSpot)
	}
	if c.Strategy.Multiplier <= 0 {
		return fmt.Errorf("strategy.multiplier must be > 0")
	}

	// Risk validation
	if c.Risk.Policy != PolicyStrict && c.Risk.Policy != PolicyNoLimits {
		return fmt.Errorf("risk.policy must be '%s' or '%s'", PolicyStrict, PolicyNoLimits)
	}
	if c.Risk.MaxRiskFraction <= 0 || c.Risk.MaxRiskFraction > 1.0 {
		return fmt.Errorf("risk.max_risk_fraction must be in (0,1]")
	}

	// Orders validation
	if c.Orders.MaxAttempts < 1 {
		return fmt.Errorf("orders.max_attempts must be >= 1")
	}
	for name, v := range map[string]string{
		"orders.poll_interval":   c.Orders.PollInterval,
		"orders.attempt_timeout": c.Orders.AttemptTimeout,
		"orders.final_timeout":   c.Orders.FinalTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.PollInterval() > c.AttemptTimeout() {
		return fmt.Errorf("orders.poll_interval must not exceed orders.attempt_timeout")
	}
	if c.Orders.PriceBufferPct < 0 {
		return fmt.Errorf("orders.price_buffer_pct must be >= 0")
	}
	if c.Orders.TightSpreadPct >= c.Orders.WideSpreadPct {
		return fmt.Errorf("orders.tight_spread_pct (%.2f) must be < orders.wide_spread_pct (%.2f)",
			c.Orders.TightSpreadPct, c.Orders.WideSpreadPct)
	}
	if c.Orders.TightFraction < 0 || c.Orders.TightFraction > 1 ||
		c.Orders.NormalFraction < 0 || c.Orders.NormalFraction > 1 {
		return fmt.Errorf("orders.tight_fraction and orders.normal_fraction must be in [0,1]")
	}
	if c.Orders.UrgentMarkup < 0 {
		return fmt.Errorf("orders.urgent_markup must be >= 0")
	}

	// Dashboard validation
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in 1..65535")
	}

	return nil
}

// Defaults returns a Config with every documented default set. Parse
// decodes onto it, so keys absent from the file keep these values and keys
// set to zero stay zero.
func Defaults() Config {
	return Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Broker:      BrokerConfig{Provider: "tradier", ConnectionRetries: defaultConnectionRetries},
		Schedule: ScheduleConfig{
			Timezone:      defaultTimezone,
			MarketOpen:    calendar.DefaultConfig.Open,
			MarketClose:   calendar.DefaultConfig.Close,
			CycleInterval: defaultCycleInterval,
		},
		Strategy: StrategyConfig{
			Symbol:          defaultSymbol,
			IndexSymbol:     defaultIndexSymbol,
			LadderHalfWidth: defaultLadderHalfWidth,
			MaxSpreadPct:    defaultMaxSpreadPct,
			MinSpot:         defaultMinSpot,
			MaxSpot:         defaultMaxSpot,
			Multiplier:      defaultMultiplier,
		},
		Risk: RiskConfig{Policy: PolicyStrict, MaxRiskFraction: defaultMaxRiskFraction},
		Orders: OrdersConfig{
			MaxAttempts:    defaultMaxAttempts,
			PollInterval:   defaultPollInterval,
			AttemptTimeout: defaultAttemptTimeout,
			FinalTimeout:   defaultFinalTimeout,
			PriceBufferPct: defaultPriceBufferPct,
			WideSpreadPct:  defaultWideSpreadPct,
			TightSpreadPct: defaultTightSpreadPct,
			UrgentMarkup:   defaultUrgentMarkup,
			TightFraction:  defaultTightFraction,
			NormalFraction: defaultNormalFraction,
		},
		Storage:   StorageConfig{JournalPath: defaultJournalPath},
		Dashboard: DashboardConfig{Port: defaultDashboardPort},
	}
}

// applyDefaults fills unset values on a Config built in code. Only fields
// where zero is never valid are touched; a zero buffer, markup, spread
// threshold or fraction is a legitimate setting.
func (c *Config) applyDefaults() {
	d := Defaults()
	setString := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setFloat := func(p *float64, v float64) {
		if *p == 0 {
			*p = v
		}
	}
	setInt := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}

	setString(&c.Environment.Mode, d.Environment.Mode)
	setString(&c.Environment.LogLevel, d.Environment.LogLevel)
	setString(&c.Broker.Provider, d.Broker.Provider)
	setInt(&c.Broker.ConnectionRetries, d.Broker.ConnectionRetries)

	setString(&c.Schedule.Timezone, d.Schedule.Timezone)
	setString(&c.Schedule.MarketOpen, d.Schedule.MarketOpen)
	setString(&c.Schedule.MarketClose, d.Schedule.MarketClose)
	setString(&c.Schedule.CycleInterval, d.Schedule.CycleInterval)

	setString(&c.Strategy.Symbol, d.Strategy.Symbol)
	setString(&c.Strategy.IndexSymbol, d.Strategy.IndexSymbol)
	setInt(&c.Strategy.LadderHalfWidth, d.Strategy.LadderHalfWidth)
	setFloat(&c.Strategy.MaxSpreadPct, d.Strategy.MaxSpreadPct)
	setFloat(&c.Strategy.MinSpot, d.Strategy.MinSpot)
	setFloat(&c.Strategy.MaxSpot, d.Strategy.MaxSpot)
	setFloat(&c.Strategy.Multiplier, d.Strategy.Multiplier)

	setString(&c.Risk.Policy, d.Risk.Policy)
	setFloat(&c.Risk.MaxRiskFraction, d.Risk.MaxRiskFraction)

	setInt(&c.Orders.MaxAttempts, d.Orders.MaxAttempts)
	setString(&c.Orders.PollInterval, d.Orders.PollInterval)
	setString(&c.Orders.AttemptTimeout, d.Orders.AttemptTimeout)
	setString(&c.Orders.FinalTimeout, d.Orders.FinalTimeout)
	setFloat(&c.Orders.WideSpreadPct, d.Orders.WideSpreadPct)

	setString(&c.Storage.JournalPath, d.Storage.JournalPath)
	setInt(&c.Dashboard.Port, d.Dashboard.Port)
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// CalendarConfig returns the market calendar settings.
func (c *Config) CalendarConfig() calendar.Config {
	cfg := calendar.Config{
		Timezone: c.Schedule.Timezone,
		Open:     c.Schedule.MarketOpen,
		Close:    c.Schedule.MarketClose,
	}
	if len(c.Schedule.Holidays) > 0 {
		cfg.Holidays = c.Schedule.Holidays
	}
	return cfg
}

// GetCycleInterval returns the scheduler interval.
func (c *Config) GetCycleInterval() time.Duration {
	return parseOr(c.Schedule.CycleInterval, time.Minute)
}

// PollInterval returns the order status polling interval.
func (c *Config) PollInterval() time.Duration {
	return parseOr(c.Orders.PollInterval, time.Second)
}

// AttemptTimeout returns the per-attempt fill wait for non-final attempts.
func (c *Config) AttemptTimeout() time.Duration {
	return parseOr(c.Orders.AttemptTimeout, 10*time.Second)
}

// FinalTimeout returns the fill wait for the last attempt.
func (c *Config) FinalTimeout() time.Duration {
	return parseOr(c.Orders.FinalTimeout, 30*time.Second)
}

func parseOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
