package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
)

// Config is the single typed settings struct every component consumes.
// Unknown YAML keys are rejected at load time.
type Config struct {
	Network   string          `yaml:"network"`
	Dexes     []string        `yaml:"dexes"`
	API       APIConfig       `yaml:"api"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Database  DatabaseConfig  `yaml:"database"`
	Collect   CollectConfig   `yaml:"collection"`
	Signals   SignalsConfig   `yaml:"signals"`
	Watchlist WatchlistConfig `yaml:"watchlist"`
	Health    HealthConfig    `yaml:"health"`
}

type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UserAgent      string        `yaml:"user_agent"`
	UseMock        bool          `yaml:"use_mock"`
	FixtureDir     string        `yaml:"fixture_dir"`
}

type RateLimitConfig struct {
	PerEndpointDelay time.Duration `yaml:"per_endpoint_delay"`
	PerMinuteCap     int           `yaml:"per_minute_cap"`
	MonthlyBudget    int           `yaml:"monthly_budget"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // sqlite | postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`      // sqlite only
	WriteQueueSize  int           `yaml:"write_queue_size"`  // sqlite only
	WriteFlushWait  time.Duration `yaml:"write_flush_wait"`  // sqlite only
	WriteMaxRetries int           `yaml:"write_max_retries"` // lock retry bound
}

type CollectConfig struct {
	Intervals          map[string]time.Duration `yaml:"intervals"`
	Timeframes         []string                 `yaml:"timeframes"`
	OHLCVLimit         int                      `yaml:"ohlcv_limit"`
	GapLookback        time.Duration            `yaml:"gap_lookback"`
	BackfillMaxAge     time.Duration            `yaml:"backfill_max_age"`
	MinTradeVolumeUSD  float64                  `yaml:"min_trade_volume_usd"`
	NewPoolsMaxPages   int                      `yaml:"new_pools_max_pages"`
	MultiPoolBatchSize int                      `yaml:"multi_pool_batch_size"`
	PoolConcurrency    int                      `yaml:"pool_concurrency"`
	RunTimeout         time.Duration            `yaml:"run_timeout"`
	QueueOverlapping   bool                     `yaml:"queue_overlapping"`
	Workers            int                      `yaml:"workers"`
	ShutdownGrace      time.Duration            `yaml:"shutdown_grace"`
}

type SignalsConfig struct {
	Weights                map[string]float64 `yaml:"weights"`
	AlertThreshold         float64            `yaml:"alert_threshold"`
	AutoWatchlistThreshold float64            `yaml:"auto_watchlist_threshold"`
	MomentumLookback       int                `yaml:"momentum_lookback"`
	MaxPoolAge             time.Duration      `yaml:"max_pool_age"`
	MinVolume24hUSD        float64            `yaml:"min_volume_24h_usd"`
	MinLiquidityUSD        float64            `yaml:"min_liquidity_usd"`
}

type WatchlistConfig struct {
	CSVPath   string `yaml:"csv_path"`
	ExportCSV bool   `yaml:"export_csv"`
}

type HealthConfig struct {
	MetricsListen         string        `yaml:"metrics_listen"`
	ErrorBurstThreshold   int64         `yaml:"error_burst_threshold"`
	ErrorBurstWindow      time.Duration `yaml:"error_burst_window"`
	RateLimitRetryAlertAt int           `yaml:"rate_limit_retry_alert_at"`
	ValidationAlertRatio  float64       `yaml:"validation_alert_ratio"`
}

// Default returns the settings the collector ships with: free-tier upstream
// pacing, sqlite storage, short intervals for hot collectors.
func Default() Config {
	return Config{
		Network: "solana",
		API: APIConfig{
			BaseURL:        "https://api.geckoterminal.com/api/v2",
			RequestTimeout: 30 * time.Second,
			UserAgent:      "poolwatch/1.0",
		},
		RateLimit: RateLimitConfig{
			PerEndpointDelay: time.Second,
			PerMinuteCap:     30,
			MonthlyBudget:    10000,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  300 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			Multiplier: 2.0,
			Jitter:     0.2,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "poolwatch.db",
			MaxOpenConns:    8,
			MaxIdleConns:    4,
			QueryTimeout:    15 * time.Second,
			BusyTimeout:     5 * time.Second,
			WriteQueueSize:  64,
			WriteFlushWait:  200 * time.Millisecond,
			WriteMaxRetries: 3,
		},
		Collect: CollectConfig{
			Intervals: map[string]time.Duration{
				"dex_monitoring":      6 * time.Hour,
				"top_pools":           10 * time.Minute,
				"watchlist_monitor":   time.Minute,
				"watchlist_collector": 5 * time.Minute,
				"ohlcv_collector":     5 * time.Minute,
				"historical_ohlcv":    time.Minute,
				"trade_collector":     5 * time.Minute,
				"new_pools":           2 * time.Minute,
			},
			Timeframes:         []string{"1m", "15m", "1h", "1d"},
			OHLCVLimit:         100,
			GapLookback:        48 * time.Hour,
			BackfillMaxAge:     6 * 30 * 24 * time.Hour,
			MinTradeVolumeUSD:  100,
			NewPoolsMaxPages:   10,
			MultiPoolBatchSize: 30,
			PoolConcurrency:    4,
			RunTimeout:         10 * time.Minute,
			Workers:            4,
			ShutdownGrace:      15 * time.Second,
		},
		Signals: SignalsConfig{
			Weights: map[string]float64{
				"volume":     0.30,
				"liquidity":  0.25,
				"momentum":   0.20,
				"activity":   0.15,
				"volatility": 0.10,
			},
			AlertThreshold:         60,
			AutoWatchlistThreshold: 75,
			MomentumLookback:       5,
			MaxPoolAge:             24 * time.Hour,
			MinVolume24hUSD:        1000,
			MinLiquidityUSD:        1000,
		},
		Watchlist: WatchlistConfig{
			CSVPath: "watchlist.csv",
		},
		Health: HealthConfig{
			ErrorBurstThreshold:   5,
			ErrorBurstWindow:      30 * time.Minute,
			RateLimitRetryAlertAt: 5,
			ValidationAlertRatio:  0.10,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys fail the load.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.E(errs.KindConfiguration, "config", "load", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg with strict field checking.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errs.E(errs.KindConfiguration, "config", "parse", err)
	}
	return nil
}

// Validate checks the loaded settings. Failures are critical and abort
// startup.
func (c *Config) Validate() error {
	if c.Network == "" {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "network is required")
	}
	if !c.API.UseMock && c.API.BaseURL == "" {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "api.base_url is required")
	}
	if c.API.UseMock && c.API.FixtureDir == "" {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "api.fixture_dir is required with use_mock")
	}
	if c.RateLimit.PerMinuteCap <= 0 {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "rate_limit.per_minute_cap must be positive")
	}
	if c.Breaker.FailureThreshold == 0 {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "circuit_breaker.failure_threshold must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "retry.jitter must be in [0, 1]")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return errs.Ef(errs.KindConfiguration, "config", "validate", "database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "database.dsn is required")
	}
	for _, tf := range c.Collect.Timeframes {
		if _, err := models.ParseTimeframe(tf); err != nil {
			return errs.E(errs.KindConfiguration, "config", "validate", err)
		}
	}
	if c.Collect.PoolConcurrency <= 0 {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "collection.pool_concurrency must be positive")
	}
	if c.Collect.Workers <= 0 {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "collection.workers must be positive")
	}
	var total float64
	for _, w := range c.Signals.Weights {
		if w < 0 {
			return errs.Ef(errs.KindConfiguration, "config", "validate", "signals.weights must be non-negative")
		}
		total += w
	}
	if total == 0 {
		return errs.Ef(errs.KindConfiguration, "config", "validate", "signals.weights must not all be zero")
	}
	return nil
}

// Timeframes returns the configured candle resolutions as typed values.
func (c *Config) Timeframes() []models.Timeframe {
	out := make([]models.Timeframe, 0, len(c.Collect.Timeframes))
	for _, s := range c.Collect.Timeframes {
		tf, err := models.ParseTimeframe(s)
		if err != nil {
			continue // Validate already rejected these
		}
		out = append(out, tf)
	}
	return out
}

// Interval returns the configured cadence for a collector family, falling
// back to a conservative default when unset.
func (c *Config) Interval(name string) time.Duration {
	if d, ok := c.Collect.Intervals[name]; ok && d > 0 {
		return d
	}
	return 5 * time.Minute
}

func (c *Config) String() string {
	return fmt.Sprintf("network=%s dexes=%v driver=%s mock=%t", c.Network, c.Dexes, c.Database.Driver, c.API.UseMock)
}
