package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "solana", cfg.Network)
	assert.Equal(t, 30, cfg.RateLimit.PerMinuteCap)
	assert.Equal(t, 10000, cfg.RateLimit.MonthlyBudget)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg := Default()
	err := Parse([]byte(`
network: ethereum
dexes: [uniswap-v3]
rate_limit:
  per_minute_cap: 10
collection:
  timeframes: ["5m", "4h"]
  intervals:
    top_pools: 30m
`), &cfg)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ethereum", cfg.Network)
	assert.Equal(t, []string{"uniswap-v3"}, cfg.Dexes)
	assert.Equal(t, 10, cfg.RateLimit.PerMinuteCap)
	assert.Equal(t, 30*time.Minute, cfg.Interval("top_pools"))
	assert.Equal(t, []models.Timeframe{models.Timeframe5m, models.Timeframe4h}, cfg.Timeframes())
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := Parse([]byte("networ: solana\n"), &cfg)
	require.Error(t, err)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestValidateFailures(t *testing.T) {
	cases := map[string]func(*Config){
		"empty network":     func(c *Config) { c.Network = "" },
		"bad driver":        func(c *Config) { c.Database.Driver = "mysql" },
		"empty dsn":         func(c *Config) { c.Database.DSN = "" },
		"bad timeframe":     func(c *Config) { c.Collect.Timeframes = []string{"3m"} },
		"zero cap":          func(c *Config) { c.RateLimit.PerMinuteCap = 0 },
		"zero threshold":    func(c *Config) { c.Breaker.FailureThreshold = 0 },
		"bad multiplier":    func(c *Config) { c.Retry.Multiplier = 0.5 },
		"bad jitter":        func(c *Config) { c.Retry.Jitter = 1.5 },
		"zero weights":      func(c *Config) { c.Signals.Weights = map[string]float64{"volume": 0} },
		"negative weight":   func(c *Config) { c.Signals.Weights["volume"] = -1 },
		"zero workers":      func(c *Config) { c.Collect.Workers = 0 },
		"mock w/o fixtures": func(c *Config) { c.API.UseMock = true; c.API.FixtureDir = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
		})
	}
}

func TestIntervalFallback(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Minute, cfg.Interval("no_such_collector"))
}
