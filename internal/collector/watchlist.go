package collector

import (
	"context"

	"github.com/poolwatch/poolwatch/internal/watchlist"
)

// WatchlistMonitorCollector reconciles the operator CSV into the database.
// It is the only collector that reads the CSV; everything downstream works
// off the database rows.
type WatchlistMonitorCollector struct {
	Deps
	Manager *watchlist.Manager
}

func NewWatchlistMonitorCollector(deps Deps, mgr *watchlist.Manager) *WatchlistMonitorCollector {
	return &WatchlistMonitorCollector{Deps: deps, Manager: mgr}
}

func (c *WatchlistMonitorCollector) Key() string { return "watchlist_monitor" }

func (c *WatchlistMonitorCollector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{CollectorKey: c.Key()}

	applied, err := c.Manager.Reconcile(ctx)
	res.RecordsCollected = applied
	res.RecordsStored = applied
	if err != nil {
		return res, err
	}
	res.Success = true
	return res, nil
}

// WatchlistCollector refreshes market state for every active watchlist pool
// using the batched multi-pool endpoint, one request per batch instead of one
// per pool.
type WatchlistCollector struct {
	Deps
	Network string
}

func NewWatchlistCollector(deps Deps, network string) *WatchlistCollector {
	return &WatchlistCollector{Deps: deps, Network: network}
}

func (c *WatchlistCollector) Key() string { return "watchlist_collector" }

func (c *WatchlistCollector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{CollectorKey: c.Key()}

	entries, err := c.activeWatchlist(ctx)
	if err != nil {
		return res, err
	}
	if len(entries) == 0 {
		res.Success = true
		return res, nil
	}

	addresses := make([]string, 0, len(entries))
	for _, e := range entries {
		addresses = append(addresses, watchlist.AddressOf(e.NetworkAddress, e.PoolID))
	}

	batchSize := c.Cfg.Collect.MultiPoolBatchSize
	if batchSize <= 0 {
		batchSize = 30
	}

	failedBatches := 0
	batches := 0
	for start := 0; start < len(addresses); start += batchSize {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		end := start + batchSize
		if end > len(addresses) {
			end = len(addresses)
		}
		batches++

		pools, err := c.Client.GetPoolsMulti(ctx, c.Network, addresses[start:end])
		if err != nil {
			failedBatches++
			res.AddError("batch %d: %v", batches, err)
			c.Handler.Handle(ctx, err, c.Key(), "get_pools_multi", 0, 0)
			continue
		}
		res.RecordsCollected += len(pools)

		stored, err := c.Store.UpsertPools(ctx, pools)
		if err != nil {
			failedBatches++
			res.AddError("store batch %d: %v", batches, err)
			c.Handler.Handle(ctx, err, c.Key(), "upsert_pools", 0, 0)
			continue
		}
		res.RecordsStored += stored
	}

	res.SetMeta("pools_watched", len(entries))
	res.SetMeta("batches", batches)
	res.Success = failedBatches < batches
	return res, nil
}
