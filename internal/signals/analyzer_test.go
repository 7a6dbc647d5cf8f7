package signals

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/models"
)

func testAnalyzer() *Analyzer {
	a := New(config.Default().Signals)
	a.now = func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }
	return a
}

func snap(volume, liquidity, close float64, buys, sells int) models.NewPoolSnapshot {
	return models.NewPoolSnapshot{
		PoolID:        "solana_p1",
		PoolCreatedAt: time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		VolumeUSD:     decimal.NewFromFloat(volume),
		Volume24hUSD:  decimal.NewFromFloat(volume),
		LiquidityUSD:  decimal.NewFromFloat(liquidity),
		Close:         decimal.NewFromFloat(close),
		Buys:          buys,
		Sells:         sells,
	}
}

func history(n int, volume, liquidity, close float64) []models.NewPoolSnapshot {
	out := make([]models.NewPoolSnapshot, n)
	for i := range out {
		out[i] = snap(volume, liquidity, close, 10, 10)
	}
	return out
}

func TestCompositeStaysInRange(t *testing.T) {
	a := testAnalyzer()
	s := a.Score(snap(1e9, 1e9, 100, 500, 0), history(5, 1, 1, 0.0001))
	assert.GreaterOrEqual(t, s.Composite, 0.0)
	assert.LessOrEqual(t, s.Composite, 100.0)

	s = a.Score(snap(0, 0, 0, 0, 0), nil)
	assert.GreaterOrEqual(t, s.Composite, 0.0)
	assert.LessOrEqual(t, s.Composite, 100.0)
}

func TestVolumeSpikeOutscoresFlat(t *testing.T) {
	a := testAnalyzer()
	hist := history(5, 1000, 20000, 1.0)

	spike := a.Score(snap(5000, 22000, 1.3, 50, 20), hist)
	flat := a.Score(snap(1000, 20000, 1.0, 10, 10), hist)

	assert.Greater(t, spike.Composite, flat.Composite)
	assert.Equal(t, TrendSpike, spike.VolumeTrend)
	assert.Equal(t, TrendFlat, flat.VolumeTrend)
}

func TestLiquidityTrendLabels(t *testing.T) {
	a := testAnalyzer()
	hist := history(4, 1000, 10000, 1.0)

	s := a.Score(snap(1000, 16000, 1.0, 10, 10), hist)
	assert.Equal(t, TrendSpike, s.LiquidityTrend)

	s = a.Score(snap(1000, 7000, 1.0, 10, 10), hist)
	assert.Equal(t, TrendFalling, s.LiquidityTrend)
}

func TestGatesBlockDustPools(t *testing.T) {
	a := testAnalyzer()
	hist := history(5, 100, 100, 1.0)

	// Massive relative spike, but absolute volume and liquidity are dust.
	s := a.Score(snap(900, 900, 2.0, 100, 5), hist)
	assert.False(t, s.GatesPassed)
	assert.False(t, s.Alert)
	assert.False(t, s.AutoWatchlist)
}

func TestGateRejectsOldPools(t *testing.T) {
	a := testAnalyzer()
	old := snap(50000, 50000, 2.0, 100, 10)
	old.PoolCreatedAt = time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC) // six days old
	s := a.Score(old, history(5, 1000, 20000, 1.0))
	assert.False(t, s.GatesPassed)
}

func TestAutoWatchlistThreshold(t *testing.T) {
	cfg := config.Default().Signals
	cfg.AlertThreshold = 10
	cfg.AutoWatchlistThreshold = 99.9
	a := New(cfg)
	a.now = func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }

	s := a.Score(snap(50000, 50000, 1.5, 100, 10), history(5, 1000, 20000, 1.0))
	require.True(t, s.GatesPassed)
	assert.True(t, s.Alert)
	assert.False(t, s.AutoWatchlist, "alert threshold crossed but auto-watchlist bar not met")
}

func TestMomentumRewardsConsistentRises(t *testing.T) {
	a := testAnalyzer()

	rising := []models.NewPoolSnapshot{ // newest first
		snap(1000, 20000, 1.4, 10, 10),
		snap(1000, 20000, 1.3, 10, 10),
		snap(1000, 20000, 1.2, 10, 10),
		snap(1000, 20000, 1.1, 10, 10),
	}
	falling := []models.NewPoolSnapshot{
		snap(1000, 20000, 1.1, 10, 10),
		snap(1000, 20000, 1.2, 10, 10),
		snap(1000, 20000, 1.3, 10, 10),
		snap(1000, 20000, 1.4, 10, 10),
	}

	up := a.momentumSignal(snap(1000, 20000, 1.5, 10, 10), rising)
	down := a.momentumSignal(snap(1000, 20000, 1.0, 10, 10), falling)
	assert.Greater(t, up, down)

	// No history scores neutral.
	assert.Equal(t, 50.0, a.momentumSignal(snap(1000, 20000, 1.0, 10, 10), nil))
}

func TestWeightsShiftComposite(t *testing.T) {
	hist := history(5, 1000, 20000, 1.0)
	cur := snap(5000, 20000, 1.0, 10, 10) // volume spike only

	volHeavy := config.Default().Signals
	volHeavy.Weights = map[string]float64{"volume": 1.0}
	liqHeavy := config.Default().Signals
	liqHeavy.Weights = map[string]float64{"liquidity": 1.0}

	now := func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }
	av := New(volHeavy)
	av.now = now
	al := New(liqHeavy)
	al.now = now

	assert.Greater(t, av.Score(cur, hist).Composite, al.Score(cur, hist).Composite)
}
