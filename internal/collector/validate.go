package collector

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
)

// defaultDropAlertRatio backs health.validation_alert_ratio when the config
// leaves it unset.
const defaultDropAlertRatio = 0.10

// dropAlertRatio is the share of invalid rows in one batch above which the
// batch is suspicious enough to alert on rather than silently trim.
func (d Deps) dropAlertRatio() float64 {
	if r := d.Cfg.Health.ValidationAlertRatio; r > 0 {
		return r
	}
	return defaultDropAlertRatio
}

// validCandle checks OHLC consistency and non-negative volume. Misaligned
// timestamps are accepted; the upstream occasionally emits them for the most
// recent partial interval.
func validCandle(c models.Candle) bool {
	if c.High.LessThan(c.Low) {
		return false
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return false
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return false
	}
	if c.VolumeUSD.IsNegative() {
		return false
	}
	return c.TimestampUnix > 0
}

// filterCandles drops malformed rows and reports how many were dropped.
func filterCandles(in []models.Candle) (out []models.Candle, dropped int) {
	out = in[:0:len(in)]
	for _, c := range in {
		if validCandle(c) {
			out = append(out, c)
		} else {
			dropped++
		}
	}
	return out, dropped
}

// validTrade also re-checks the volume floor locally; the upstream is asked
// to filter by minimum volume but persisted rows must honor it regardless.
func validTrade(t models.Trade, minVolume decimal.Decimal) bool {
	if t.ID == "" || t.PoolID == "" {
		return false
	}
	if t.VolumeUSD.IsNegative() || t.PriceUSD.IsNegative() {
		return false
	}
	if t.VolumeUSD.LessThan(minVolume) {
		return false
	}
	return t.Side == models.TradeSideBuy || t.Side == models.TradeSideSell
}

func filterTrades(in []models.Trade, minVolume decimal.Decimal) (out []models.Trade, dropped int) {
	out = in[:0:len(in)]
	for _, t := range in {
		if validTrade(t, minVolume) {
			out = append(out, t)
		} else {
			dropped++
		}
	}
	return out, dropped
}

// reportDropped records dropped rows on the result and routes a validation
// failure through the handler when the batch crossed the alert ratio. The
// pass itself keeps going with the surviving rows.
func reportDropped(ctx context.Context, h *errs.Handler, res *Result, component, operation string, dropped, total int, alertRatio float64) {
	if dropped == 0 {
		return
	}
	res.RecordsSkipped += dropped
	res.AddError("%s: dropped %d of %d invalid rows", operation, dropped, total)
	if total > 0 && float64(dropped)/float64(total) > alertRatio && h != nil {
		err := errs.Ef(errs.KindValidation, component, operation,
			"dropped %d of %d rows from batch", dropped, total)
		h.Handle(ctx, err, component, operation, 0, 0)
	}
}
