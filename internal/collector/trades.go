package collector

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/poolwatch/poolwatch/internal/watchlist"
)

// TradeCollector pulls recent swaps for every active watchlist pool. The
// minimum USD volume is passed upstream as a filter and re-applied locally,
// so persisted rows honor the floor even when the upstream ignores it. Dedup
// happens on trade id in storage, so overlapping passes are harmless.
type TradeCollector struct {
	Deps
	Network string
}

func NewTradeCollector(deps Deps, network string) *TradeCollector {
	return &TradeCollector{Deps: deps, Network: network}
}

func (c *TradeCollector) Key() string { return "trade_collector" }

func (c *TradeCollector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{CollectorKey: c.Key()}

	entries, err := c.activeWatchlist(ctx)
	if err != nil {
		return res, err
	}
	if len(entries) == 0 {
		res.Success = true
		return res, nil
	}

	minVolume := decimal.NewFromFloat(c.Cfg.Collect.MinTradeVolumeUSD)

	failed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		address := watchlist.AddressOf(e.NetworkAddress, e.PoolID)

		trades, err := c.Client.GetTrades(ctx, c.Network, address, minVolume)
		if err != nil {
			failed++
			res.AddError("%s: %v", e.PoolID, err)
			c.Handler.Handle(ctx, err, c.Key(), "get_trades", 0, 0)
			continue
		}
		for i := range trades {
			if trades[i].PoolID == "" {
				trades[i].PoolID = e.PoolID
			}
		}
		res.RecordsCollected += len(trades)

		valid, dropped := filterTrades(trades, minVolume)
		reportDropped(ctx, c.Handler, res, c.Key(), "get_trades", dropped, len(trades), c.dropAlertRatio())

		br, err := c.Store.InsertTrades(ctx, valid)
		if err != nil {
			failed++
			res.AddError("store %s: %v", e.PoolID, err)
			c.Handler.Handle(ctx, err, c.Key(), "insert_trades", 0, 0)
			continue
		}
		res.RecordsStored += br.Stored
		res.RecordsSkipped += br.Skipped
	}

	res.SetMeta("pools", len(entries))
	res.SetMeta("pools_failed", failed)
	res.Success = failed < len(entries)
	return res, nil
}
