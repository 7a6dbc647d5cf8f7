package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
	"github.com/poolwatch/poolwatch/internal/signals"
	"github.com/poolwatch/poolwatch/internal/watchlist"
)

// NewPoolsCollector pages through recently created pools, scores each one
// against its snapshot history, appends a history row, and promotes pools
// that clear the auto-watchlist bar. Scores above the alert threshold raise
// an operator alert.
type NewPoolsCollector struct {
	Deps
	Network   string
	Analyzer  *signals.Analyzer
	Watchlist *watchlist.Manager
	now       func() time.Time
}

func NewNewPoolsCollector(deps Deps, network string, analyzer *signals.Analyzer, wl *watchlist.Manager) *NewPoolsCollector {
	return &NewPoolsCollector{Deps: deps, Network: network, Analyzer: analyzer, Watchlist: wl, now: time.Now}
}

func (c *NewPoolsCollector) Key() string { return "new_pools_" + c.Network }

func (c *NewPoolsCollector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{CollectorKey: c.Key()}

	maxPages := c.Cfg.Collect.NewPoolsMaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	promoted := 0
	alerts := 0
	for page := 1; page <= maxPages; page++ {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		payloads, err := c.Client.GetNewPools(ctx, c.Network, page)
		if err != nil {
			// Page 1 failing means nothing was collected; later pages degrade
			// the pass to partial.
			res.AddError("page %d: %v", page, err)
			c.Handler.Handle(ctx, err, c.Key(), "get_new_pools", 0, 0)
			if page == 1 {
				return res, err
			}
			break
		}
		if len(payloads) == 0 {
			break
		}
		res.RecordsCollected += len(payloads)

		for _, p := range payloads {
			stored, didPromote, didAlert, err := c.process(ctx, p.Pool, p.Metrics)
			if err != nil {
				res.AddError("%s: %v", p.Pool.ID, err)
				continue
			}
			if stored {
				res.RecordsStored++
			}
			if didPromote {
				promoted++
			}
			if didAlert {
				alerts++
			}
		}
	}

	res.SetMeta("promoted", promoted)
	res.SetMeta("alerts", alerts)
	res.Success = res.RecordsCollected == 0 || len(res.Errors) < res.RecordsCollected
	return res, nil
}

// process stores one pool + scored snapshot. History is read before the
// insert so the new row does not score against itself.
func (c *NewPoolsCollector) process(ctx context.Context, pool models.Pool, snap models.NewPoolSnapshot) (stored, promoted, alerted bool, err error) {
	if _, err := c.Store.UpsertPools(ctx, []models.Pool{pool}); err != nil {
		c.Handler.Handle(ctx, err, c.Key(), "upsert_pools", 0, 0)
		return false, false, false, err
	}

	snap.PoolID = pool.ID
	if snap.PoolCreatedAt.IsZero() {
		snap.PoolCreatedAt = pool.CreatedAt
	}
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = c.now().UTC()
	}

	history, err := c.Store.RecentSnapshots(ctx, pool.ID, c.Cfg.Signals.MomentumLookback+1)
	if err != nil {
		c.Handler.Handle(ctx, err, c.Key(), "recent_snapshots", 0, 0)
		return false, false, false, err
	}

	score := c.Analyzer.Score(snap, history)
	snap.SignalScore = score.Composite
	snap.VolumeTrend = score.VolumeTrend
	snap.LiquidityTrend = score.LiquidityTrend

	if err := c.Store.InsertNewPoolSnapshot(ctx, snap); err != nil {
		c.Handler.Handle(ctx, err, c.Key(), "insert_snapshot", 0, 0)
		return false, false, false, err
	}

	if score.Alert {
		alerted = true
		c.emitSignalAlert(ctx, pool, score)
	}

	if score.AutoWatchlist {
		existing, err := c.Store.GetWatchlistEntry(ctx, pool.ID)
		if err != nil {
			return true, false, alerted, err
		}
		if existing == nil {
			if err := c.Watchlist.Add(ctx, pool, score.Composite); err != nil {
				return true, false, alerted, err
			}
			promoted = true
		}
	}
	return true, promoted, alerted, nil
}

func (c *NewPoolsCollector) emitSignalAlert(ctx context.Context, pool models.Pool, score signals.Score) {
	alert := models.SystemAlert{
		Level:         models.AlertWarning,
		CollectorType: c.Key(),
		Message:       "new pool crossed the signal threshold",
		Timestamp:     c.now().UTC(),
		Metadata: map[string]interface{}{
			"pool_id":         pool.ID,
			"pool_name":       pool.Name,
			"signal_score":    score.Composite,
			"volume_trend":    score.VolumeTrend,
			"liquidity_trend": score.LiquidityTrend,
		},
	}
	if err := c.Store.InsertAlert(ctx, alert); err != nil {
		wrapped := errs.E(errs.KindOf(err), c.Key(), "insert_alert", err)
		log.Error().Err(wrapped).Str("pool_id", pool.ID).Msg("signal alert write failed")
	} else {
		log.Info().
			Str("pool_id", pool.ID).
			Str("pool_name", pool.Name).
			Float64("signal_score", score.Composite).
			Msg("signal alert raised")
	}
}
