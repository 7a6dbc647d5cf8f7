package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/client"
)

// HistoricalCollector drains the backfill queue, walking candle pages
// backwards through time. A walk terminates when the upstream returns an
// empty page, the gap start is reached, or the page falls past the maximum
// backfill age. A job that still has ground to cover after the per-pass page
// cap goes back on the queue with its cursor advanced.
type HistoricalCollector struct {
	Deps
	Network  string
	Backfill *BackfillQueue
	now      func() time.Time
}

// Per-pass bounds keep one pass short so the scheduler slot stays cheap.
const (
	maxJobsPerPass  = 4
	maxPagesPerJob  = 10
	backfillPageCap = 1000
)

func NewHistoricalCollector(deps Deps, network string, backfill *BackfillQueue) *HistoricalCollector {
	return &HistoricalCollector{Deps: deps, Network: network, Backfill: backfill, now: time.Now}
}

func (c *HistoricalCollector) Key() string { return "historical_ohlcv" }

func (c *HistoricalCollector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{CollectorKey: c.Key()}

	jobs := 0
	failed := 0
	for jobs < maxJobsPerPass {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		job, ok := c.Backfill.Pop()
		if !ok {
			break
		}
		jobs++
		if err := c.runJob(ctx, job, res); err != nil {
			failed++
			res.AddError("%s %s: %v", job.PoolID, job.Timeframe, err)
		}
	}

	res.SetMeta("jobs", jobs)
	res.SetMeta("jobs_failed", failed)
	res.SetMeta("backfill_pending", c.Backfill.Len())
	res.Success = failed == 0 || failed < jobs
	return res, nil
}

func (c *HistoricalCollector) runJob(ctx context.Context, job BackfillJob, res *Result) error {
	oldestAllowed := int64(0)
	if maxAge := c.Cfg.Collect.BackfillMaxAge; maxAge > 0 {
		oldestAllowed = c.now().Add(-maxAge).Unix()
	}

	before := job.Before
	for page := 0; page < maxPagesPerJob; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		candles, err := c.Client.GetOHLCV(ctx, client.OHLCVRequest{
			Network:         c.Network,
			PoolAddress:     job.PoolAddress,
			PoolID:          job.PoolID,
			Timeframe:       job.Timeframe,
			BeforeTimestamp: before,
			Limit:           backfillPageCap,
		})
		if err != nil {
			c.Handler.Handle(ctx, err, c.Key(), "get_ohlcv", 0, 0)
			return err
		}
		if len(candles) == 0 {
			// The pool's history simply starts after the gap.
			return nil
		}
		res.RecordsCollected += len(candles)

		valid, dropped := filterCandles(candles)
		reportDropped(ctx, c.Handler, res, c.Key(), "get_ohlcv", dropped, len(candles), c.dropAlertRatio())

		br, err := c.Store.InsertCandles(ctx, valid)
		if err != nil {
			c.Handler.Handle(ctx, err, c.Key(), "insert_candles", 0, 0)
			return err
		}
		res.RecordsStored += br.Stored
		res.RecordsSkipped += br.Skipped

		oldest := candles[0].TimestampUnix
		for _, cdl := range candles {
			if cdl.TimestampUnix < oldest {
				oldest = cdl.TimestampUnix
			}
		}
		if oldest <= job.Until {
			return nil
		}
		if oldestAllowed > 0 && oldest <= oldestAllowed {
			log.Info().
				Str("pool_id", job.PoolID).
				Str("timeframe", string(job.Timeframe)).
				Msg("backfill reached maximum age, stopping walk")
			return nil
		}
		if oldest >= before {
			// Cursor did not move; stop rather than spin on a bad page.
			return nil
		}
		before = oldest
	}

	// Page cap hit with ground left; requeue with the advanced cursor.
	job.Before = before
	c.Backfill.Push(job)
	return nil
}
