package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Run kinds known to the guardrail. Other kinds are accepted but only
// these get kind-specific gating.
const (
	KindBacktest = "backtest"
	KindHyperopt = "hyperopt"
	KindPaper    = "paper"
	KindLive     = "live"
)

// Lock store backends.
const (
	BackendFile  = "file"
	BackendBbolt = "bbolt"
)

// Config represents the complete guardrail configuration
type Config struct {
	StateDir           string `json:"state_dir" yaml:"state_dir"`
	CircuitBreakerFile string `json:"circuit_breaker_file,omitempty" yaml:"circuit_breaker_file,omitempty"`
	DBPath             string `json:"db_path,omitempty" yaml:"db_path,omitempty"`

	// AllowWhenBreakerActive admits runs even while the breaker is on.
	AllowWhenBreakerActive bool `json:"allow_when_breaker_active" yaml:"allow_when_breaker_active"`

	Concurrency ConcurrencyConfig `json:"concurrency" yaml:"concurrency"`
	Backtest    BacktestConfig    `json:"backtest" yaml:"backtest"`
	Live        LiveConfig        `json:"live" yaml:"live"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`

	// MetricsQueryTimeoutSec bounds the drawdown lookup.
	MetricsQueryTimeoutSec int `json:"metrics_query_timeout_sec" yaml:"metrics_query_timeout_sec"`

	// MetricsTextfile, when set, receives prometheus metrics after each CLI command.
	MetricsTextfile string `json:"metrics_textfile,omitempty" yaml:"metrics_textfile,omitempty"`
}

// ConcurrencyConfig contains run slot parameters
type ConcurrencyConfig struct {
	// MaxPerKind caps live slots per run kind. Missing or zero means unbounded.
	MaxPerKind map[string]int `json:"max_per_kind,omitempty" yaml:"max_per_kind,omitempty"`
	TTLSec     int            `json:"ttl_sec" yaml:"ttl_sec"`
	Backend    string         `json:"backend" yaml:"backend"` // "file" or "bbolt"
}

// BacktestConfig contains the historical drawdown gate
type BacktestConfig struct {
	MaxDrawdownPct *float64 `json:"max_drawdown_pct,omitempty" yaml:"max_drawdown_pct,omitempty"` // 0.2 or 20
}

// LiveConfig contains live trading guardrails
type LiveConfig struct {
	MaxConcurrentTrades     *int     `json:"max_concurrent_trades,omitempty" yaml:"max_concurrent_trades,omitempty"`
	MaxPerMarketExposurePct *float64 `json:"max_per_market_exposure_pct,omitempty" yaml:"max_per_market_exposure_pct,omitempty"`
}

// LoggingConfig contains logging parameters
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "text"
}

// CapFor returns the concurrency cap for kind, or 0 when unbounded.
func (c *Config) CapFor(kind string) int {
	if c.Concurrency.MaxPerKind == nil {
		return 0
	}
	n := c.Concurrency.MaxPerKind[kind]
	if n < 0 {
		return 0
	}
	return n
}

// RunningDir is where file-backed lock markers live.
func (c *Config) RunningDir() string {
	return filepath.Join(c.StateDir, "running")
}

// BoltPath is the database used by the bbolt lock backend.
func (c *Config) BoltPath() string {
	return filepath.Join(c.StateDir, "slots.db")
}

// BreakerPath resolves the circuit breaker file, defaulting into StateDir.
func (c *Config) BreakerPath() string {
	if c.CircuitBreakerFile != "" {
		return c.CircuitBreakerFile
	}
	if c.StateDir == "" {
		return ""
	}
	return filepath.Join(c.StateDir, "circuit_breaker.json")
}

// Load builds a configuration from defaults, an optional file and the
// RISK_* environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fromFile, err := readFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fromFile
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON)
func LoadFromFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}
	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return invalid("state_dir", "", "is required")
	}
	if c.Concurrency.TTLSec <= 0 {
		return invalid("concurrency.ttl_sec", fmt.Sprint(c.Concurrency.TTLSec), "must be positive")
	}
	for kind, n := range c.Concurrency.MaxPerKind {
		if n < 0 {
			return invalid("concurrency.max_per_kind."+kind, fmt.Sprint(n), "must not be negative")
		}
	}
	switch c.Concurrency.Backend {
	case BackendFile, BackendBbolt:
	default:
		return invalid("concurrency.backend", c.Concurrency.Backend, "must be 'file' or 'bbolt'")
	}
	if p := c.Backtest.MaxDrawdownPct; p != nil && *p < 0 {
		return invalid("backtest.max_drawdown_pct", fmt.Sprint(*p), "must not be negative")
	}
	if n := c.Live.MaxConcurrentTrades; n != nil && *n < 0 {
		return invalid("live.max_concurrent_trades", fmt.Sprint(*n), "must not be negative")
	}
	if p := c.Live.MaxPerMarketExposurePct; p != nil && *p < 0 {
		return invalid("live.max_per_market_exposure_pct", fmt.Sprint(*p), "must not be negative")
	}
	if c.MetricsQueryTimeoutSec <= 0 {
		return invalid("metrics_query_timeout_sec", fmt.Sprint(c.MetricsQueryTimeoutSec), "must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return invalid("logging.format", c.Logging.Format, "must be 'json' or 'text'")
	}
	return nil
}

// Default returns a configuration with sensible defaults. No gate is
// enabled by default.
func Default() *Config {
	return &Config{
		StateDir: filepath.Join("user_data", "state"),
		DBPath:   filepath.Join("user_data", "registry", "strategies_registry.sqlite"),
		Concurrency: ConcurrencyConfig{
			TTLSec:  900,
			Backend: BackendFile,
		},
		MetricsQueryTimeoutSec: 2,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
