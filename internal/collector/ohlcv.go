package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/client"
	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
	"github.com/poolwatch/poolwatch/internal/watchlist"
)

// OHLCVCollector pulls the latest candles for every active watchlist pool
// across every configured timeframe, then scans the recent grid for gaps and
// hands them to the backfill queue. Pools run under a bounded worker set; the
// rate limiter below paces the actual requests.
type OHLCVCollector struct {
	Deps
	Network  string
	Backfill *BackfillQueue
	now      func() time.Time
}

func NewOHLCVCollector(deps Deps, network string, backfill *BackfillQueue) *OHLCVCollector {
	return &OHLCVCollector{Deps: deps, Network: network, Backfill: backfill, now: time.Now}
}

func (c *OHLCVCollector) Key() string { return "ohlcv_collector" }

func (c *OHLCVCollector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{CollectorKey: c.Key()}

	entries, err := c.activeWatchlist(ctx)
	if err != nil {
		return res, err
	}
	timeframes := c.Cfg.Timeframes()
	if len(entries) == 0 || len(timeframes) == 0 {
		res.Success = true
		return res, nil
	}

	type task struct {
		entry models.WatchlistEntry
		tf    models.Timeframe
	}
	tasks := make([]task, 0, len(entries)*len(timeframes))
	for _, e := range entries {
		for _, tf := range timeframes {
			tasks = append(tasks, task{entry: e, tf: tf})
		}
	}

	concurrency := c.Cfg.Collect.PoolConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var (
		mu     sync.Mutex
		failed int
		wg     sync.WaitGroup
	)
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(t task) {
			defer wg.Done()
			defer func() { <-sem }()

			collected, stored, skipped, err := c.collectOne(ctx, t.entry, t.tf)
			mu.Lock()
			defer mu.Unlock()
			res.RecordsCollected += collected
			res.RecordsStored += stored
			res.RecordsSkipped += skipped
			if err != nil {
				failed++
				res.AddError("%s %s: %v", t.entry.PoolID, t.tf, err)
			}
		}(t)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	res.SetMeta("tasks", len(tasks))
	res.SetMeta("tasks_failed", failed)
	res.SetMeta("backfill_pending", c.Backfill.Len())
	res.Success = failed < len(tasks)
	return res, nil
}

// collectOne fetches, validates and stores one (pool, timeframe), then scans
// the lookback window for gaps.
func (c *OHLCVCollector) collectOne(ctx context.Context, entry models.WatchlistEntry, tf models.Timeframe) (collected, stored, skipped int, err error) {
	address := watchlist.AddressOf(entry.NetworkAddress, entry.PoolID)

	candles, err := c.Client.GetOHLCV(ctx, client.OHLCVRequest{
		Network:     c.Network,
		PoolAddress: address,
		PoolID:      entry.PoolID,
		Timeframe:   tf,
		Limit:       c.Cfg.Collect.OHLCVLimit,
	})
	if err != nil {
		c.Handler.Handle(ctx, err, c.Key(), "get_ohlcv", 0, 0)
		return 0, 0, 0, err
	}
	collected = len(candles)

	valid, dropped := filterCandles(candles)
	if dropped > 0 {
		log.Warn().
			Str("pool_id", entry.PoolID).
			Str("timeframe", string(tf)).
			Int("dropped", dropped).
			Msg("invalid candles dropped")
		skipped += dropped
		if float64(dropped)/float64(collected) > c.dropAlertRatio() {
			verr := errs.Ef(errs.KindValidation, c.Key(), "get_ohlcv",
				"dropped %d of %d candles from batch", dropped, collected)
			c.Handler.Handle(ctx, verr, c.Key(), "get_ohlcv", 0, 0)
		}
	}

	br, err := c.Store.InsertCandles(ctx, valid)
	if err != nil {
		c.Handler.Handle(ctx, err, c.Key(), "insert_candles", 0, 0)
		return collected, 0, skipped, err
	}
	stored = br.Stored
	skipped += br.Skipped

	c.scanGaps(ctx, entry.PoolID, address, tf)
	return collected, stored, skipped, nil
}

// scanGaps looks at the recent lookback window and enqueues one backfill job
// per gap. Gap scan failures only log; the fresh data is already stored.
func (c *OHLCVCollector) scanGaps(ctx context.Context, poolID, address string, tf models.Timeframe) {
	lookback := c.Cfg.Collect.GapLookback
	if lookback <= 0 {
		return
	}
	now := c.now().UTC()
	// The rightmost interval is still forming; exclude it.
	to := tf.Align(now).Add(-tf.Period())
	from := now.Add(-lookback)
	if !to.After(from) {
		return
	}

	gaps, err := c.Store.CandleGaps(ctx, poolID, tf, models.TimeRange{From: from, To: to})
	if err != nil {
		log.Warn().Err(err).Str("pool_id", poolID).Str("timeframe", string(tf)).Msg("gap scan failed")
		return
	}
	for _, g := range gaps {
		job := BackfillJob{
			PoolID:      poolID,
			PoolAddress: address,
			Timeframe:   tf,
			Before:      g.End.Unix() + int64(tf.Period()/time.Second),
			Until:       g.Start.Unix(),
		}
		if c.Backfill.Push(job) {
			log.Info().
				Str("pool_id", poolID).
				Str("timeframe", string(tf)).
				Time("gap_start", g.Start).
				Time("gap_end", g.End).
				Msg("candle gap queued for backfill")
		}
	}
}
