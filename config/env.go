package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment key, e.g. RISK_STATE_DIR.
const EnvPrefix = "RISK"

// envOverrides mirrors the RISK_* environment. Pointer and map fields stay
// nil when the variable is unset so only what the operator set is applied.
type envOverrides struct {
	MaxConcurrentBacktests *int           `envconfig:"MAX_CONCURRENT_BACKTESTS"`
	MaxConcurrent          map[string]int `envconfig:"MAX_CONCURRENT"` // "hyperopt:1,live:1"
	ConcurrencyTTLSec      *int           `envconfig:"CONCURRENCY_TTL_SEC"`
	LockBackend            string         `envconfig:"LOCK_BACKEND"`

	StateDir           string `envconfig:"STATE_DIR"`
	CircuitBreakerFile string `envconfig:"CIRCUIT_BREAKER_FILE"`
	AllowWhenCB        *bool  `envconfig:"ALLOW_WHEN_CB"`
	DBPath             string `envconfig:"DB_PATH"`

	MaxBacktestDrawdownPct      *float64 `envconfig:"MAX_BACKTEST_DRAWDOWN_PCT"`
	LiveMaxConcurrentTrades     *int     `envconfig:"LIVE_MAX_CONCURRENT_TRADES"`
	LiveMaxPerMarketExposurePct *float64 `envconfig:"LIVE_MAX_PER_MARKET_EXPOSURE_PCT"`

	MetricsQueryTimeoutSec *int   `envconfig:"METRICS_QUERY_TIMEOUT_SEC"`
	MetricsTextfile        string `envconfig:"METRICS_TEXTFILE"`
	LogLevel               string `envconfig:"LOG_LEVEL"`
	LogFormat              string `envconfig:"LOG_FORMAT"`
}

// ApplyEnv overlays any RISK_* variables that are set onto cfg. Unset
// variables leave cfg untouched. A value that does not decode is returned
// as a *ConfigurationError naming the variable.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		var pe *envconfig.ParseError
		if errors.As(err, &pe) {
			return &ConfigurationError{Field: pe.KeyName, Value: pe.Value, Msg: parseMsg(pe.TypeName), Err: pe}
		}
		return fmt.Errorf("failed to load config from env: %w", err)
	}

	if env.StateDir != "" {
		cfg.StateDir = env.StateDir
	}
	if env.CircuitBreakerFile != "" {
		cfg.CircuitBreakerFile = env.CircuitBreakerFile
	}
	if env.DBPath != "" {
		cfg.DBPath = env.DBPath
	}
	if env.LockBackend != "" {
		cfg.Concurrency.Backend = strings.ToLower(strings.TrimSpace(env.LockBackend))
	}
	if env.MetricsTextfile != "" {
		cfg.MetricsTextfile = env.MetricsTextfile
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Logging.Format = env.LogFormat
	}
	if env.AllowWhenCB != nil {
		cfg.AllowWhenBreakerActive = *env.AllowWhenCB
	}

	if env.MaxConcurrent != nil {
		cfg.Concurrency.MaxPerKind = mergeCaps(cfg.Concurrency.MaxPerKind, env.MaxConcurrent)
	}
	if env.MaxConcurrentBacktests != nil {
		cfg.Concurrency.MaxPerKind = mergeCaps(cfg.Concurrency.MaxPerKind, map[string]int{KindBacktest: *env.MaxConcurrentBacktests})
	}
	if env.ConcurrencyTTLSec != nil {
		cfg.Concurrency.TTLSec = *env.ConcurrencyTTLSec
	}
	if env.MetricsQueryTimeoutSec != nil {
		cfg.MetricsQueryTimeoutSec = *env.MetricsQueryTimeoutSec
	}

	if env.MaxBacktestDrawdownPct != nil {
		cfg.Backtest.MaxDrawdownPct = env.MaxBacktestDrawdownPct
	}
	if env.LiveMaxConcurrentTrades != nil {
		cfg.Live.MaxConcurrentTrades = env.LiveMaxConcurrentTrades
	}
	if env.LiveMaxPerMarketExposurePct != nil {
		cfg.Live.MaxPerMarketExposurePct = env.LiveMaxPerMarketExposurePct
	}
	return nil
}

// parseMsg describes what a field of the given envconfig type accepts.
func parseMsg(typeName string) string {
	switch {
	case strings.HasPrefix(typeName, "map["):
		return "entries must look like kind:n"
	case strings.Contains(typeName, "bool"):
		return "must be a boolean"
	case strings.Contains(typeName, "float"):
		return "must be a number"
	case strings.Contains(typeName, "int"):
		return "must be an integer"
	}
	return "is malformed"
}

// mergeCaps copies src over dst. Kinds are trimmed so "a:1, b:2" works.
func mergeCaps(dst, src map[string]int) map[string]int {
	if dst == nil {
		dst = map[string]int{}
	}
	for k, v := range src {
		dst[strings.TrimSpace(k)] = v
	}
	return dst
}
