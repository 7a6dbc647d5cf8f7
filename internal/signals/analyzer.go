package signals

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/models"
)

// Trend labels attached to snapshots for later querying.
const (
	TrendSpike   = "spike"
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendFlat    = "flat"
)

// Score is the analyzer verdict for one snapshot against its history.
type Score struct {
	Composite      float64
	Components     map[string]float64
	VolumeTrend    string
	LiquidityTrend string
	GatesPassed    bool
	Alert          bool
	AutoWatchlist  bool
}

// Analyzer scores new-pool snapshots. It is pure: inputs are the current
// snapshot and its recent history, newest first; no I/O happens here.
type Analyzer struct {
	cfg config.SignalsConfig
	now func() time.Time
}

func New(cfg config.SignalsConfig) *Analyzer {
	return &Analyzer{cfg: cfg, now: time.Now}
}

// Score computes the weighted composite in [0, 100]. history is ordered
// newest first and excludes current.
func (a *Analyzer) Score(current models.NewPoolSnapshot, history []models.NewPoolSnapshot) Score {
	s := Score{Components: make(map[string]float64, 5)}

	volScore, volTrend := a.volumeSignal(current, history)
	liqScore, liqTrend := a.liquiditySignal(current, history)
	s.Components["volume"] = volScore
	s.Components["liquidity"] = liqScore
	s.Components["momentum"] = a.momentumSignal(current, history)
	s.Components["activity"] = a.activitySignal(current)
	s.Components["volatility"] = a.volatilitySignal(current, history)
	s.VolumeTrend = volTrend
	s.LiquidityTrend = liqTrend

	var weighted, total float64
	for name, w := range a.cfg.Weights {
		if w <= 0 {
			continue
		}
		weighted += w * s.Components[name]
		total += w
	}
	if total > 0 {
		s.Composite = clamp(weighted / total)
	}

	s.GatesPassed = a.gates(current)
	s.Alert = s.GatesPassed && s.Composite >= a.cfg.AlertThreshold
	s.AutoWatchlist = s.GatesPassed && s.Composite >= a.cfg.AutoWatchlistThreshold
	return s
}

// gates are hard conditions; a perfect composite on a dust pool is noise.
func (a *Analyzer) gates(cur models.NewPoolSnapshot) bool {
	if a.cfg.MaxPoolAge > 0 && !cur.PoolCreatedAt.IsZero() {
		if a.now().Sub(cur.PoolCreatedAt) > a.cfg.MaxPoolAge {
			return false
		}
	}
	if cur.Volume24hUSD.LessThan(decimal.NewFromFloat(a.cfg.MinVolume24hUSD)) {
		return false
	}
	if cur.LiquidityUSD.LessThan(decimal.NewFromFloat(a.cfg.MinLiquidityUSD)) {
		return false
	}
	return true
}

// volumeSignal compares interval volume against the trailing average. A
// spike (>200% above average) saturates the component.
func (a *Analyzer) volumeSignal(cur models.NewPoolSnapshot, history []models.NewPoolSnapshot) (float64, string) {
	curVol, _ := cur.VolumeUSD.Float64()
	avg := averageOf(history, func(s models.NewPoolSnapshot) float64 {
		v, _ := s.VolumeUSD.Float64()
		return v
	})
	if avg <= 0 {
		if curVol > 0 {
			return 50, TrendRising
		}
		return 0, TrendFlat
	}
	ratio := curVol / avg
	score := clamp(ratio / 3.0 * 100)
	switch {
	case ratio > 3.0:
		return score, TrendSpike
	case ratio > 1.2:
		return score, TrendRising
	case ratio < 0.8:
		return score, TrendFalling
	default:
		return score, TrendFlat
	}
}

// liquiditySignal rewards growing reserves; >150% of the trailing average
// saturates.
func (a *Analyzer) liquiditySignal(cur models.NewPoolSnapshot, history []models.NewPoolSnapshot) (float64, string) {
	curLiq, _ := cur.LiquidityUSD.Float64()
	avg := averageOf(history, func(s models.NewPoolSnapshot) float64 {
		v, _ := s.LiquidityUSD.Float64()
		return v
	})
	if avg <= 0 {
		if curLiq > 0 {
			return 50, TrendRising
		}
		return 0, TrendFlat
	}
	ratio := curLiq / avg
	score := clamp(ratio / 1.5 * 100)
	switch {
	case ratio > 1.5:
		return score, TrendSpike
	case ratio > 1.1:
		return score, TrendRising
	case ratio < 0.9:
		return score, TrendFalling
	default:
		return score, TrendFlat
	}
}

// momentumSignal looks at the close-price path over the lookback window:
// half the component from the net change, half from how consistently the
// closes rose.
func (a *Analyzer) momentumSignal(cur models.NewPoolSnapshot, history []models.NewPoolSnapshot) float64 {
	lookback := a.cfg.MomentumLookback
	if lookback <= 0 {
		lookback = 5
	}
	closes := []float64{floatOf(cur.Close)}
	for i := 0; i < len(history) && i < lookback; i++ {
		closes = append(closes, floatOf(history[i].Close))
	}
	if len(closes) < 2 {
		return 50 // no history yet, neutral
	}
	// closes is newest first; oldest is the baseline.
	oldest := closes[len(closes)-1]
	if oldest <= 0 {
		return 50
	}
	change := (closes[0] - oldest) / oldest

	rises := 0
	for i := len(closes) - 1; i > 0; i-- {
		if closes[i-1] > closes[i] {
			rises++
		}
	}
	consistency := float64(rises) / float64(len(closes)-1)

	// +20% net change saturates the change half.
	changeScore := clamp(50 + change/0.20*50)
	return clamp(0.5*changeScore + 0.5*consistency*100)
}

// activitySignal scores raw transaction count with a bonus for buy-side
// imbalance. 60 interval transactions saturate the count half.
func (a *Analyzer) activitySignal(cur models.NewPoolSnapshot) float64 {
	total := cur.Buys + cur.Sells
	if total == 0 {
		return 0
	}
	countScore := clamp(float64(total) / 60.0 * 100)
	buyShare := float64(cur.Buys) / float64(total)
	imbalance := clamp((buyShare - 0.5) / 0.5 * 100)
	return clamp(0.7*countScore + 0.3*imbalance)
}

// volatilitySignal computes realized volatility from close-to-close returns.
// Moderate volatility scores best; a dead pool and a chaotic one both score
// low. 10% per-interval stddev is the peak.
func (a *Analyzer) volatilitySignal(cur models.NewPoolSnapshot, history []models.NewPoolSnapshot) float64 {
	closes := []float64{floatOf(cur.Close)}
	for _, s := range history {
		closes = append(closes, floatOf(s.Close))
	}
	if len(closes) < 3 {
		return 50
	}
	var returns []float64
	for i := 0; i < len(closes)-1; i++ {
		if closes[i+1] <= 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i+1])/closes[i+1])
	}
	if len(returns) < 2 {
		return 50
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	vol := math.Sqrt(variance)

	const peak = 0.10
	if vol <= peak {
		return clamp(vol / peak * 100)
	}
	return clamp(100 - (vol-peak)/peak*50)
}

func averageOf(history []models.NewPoolSnapshot, f func(models.NewPoolSnapshot) float64) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, s := range history {
		sum += f(s)
	}
	return sum / float64(len(history))
}

func floatOf(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
