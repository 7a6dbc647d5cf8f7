package collector

import (
	"context"
)

// TopPoolsCollector pulls the top-ranked pools for each configured DEX (or
// network-wide when none are configured) and upserts pools plus their
// embedded tokens. A failing DEX degrades the pass to partial instead of
// failing it.
type TopPoolsCollector struct {
	Deps
	Network string
	Dexes   []string
}

func NewTopPoolsCollector(deps Deps, network string, dexes []string) *TopPoolsCollector {
	return &TopPoolsCollector{Deps: deps, Network: network, Dexes: dexes}
}

func (c *TopPoolsCollector) Key() string { return "top_pools_" + c.Network }

func (c *TopPoolsCollector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{CollectorKey: c.Key()}

	targets := c.Dexes
	if len(targets) == 0 {
		targets = []string{""}
	}

	failed := 0
	for _, dex := range targets {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		pools, err := c.Client.GetTopPools(ctx, c.Network, dex, 1)
		if err != nil {
			failed++
			res.AddError("top pools for dex %q: %v", dex, err)
			c.Handler.Handle(ctx, err, c.Key(), "get_top_pools", 0, 0)
			continue
		}
		res.RecordsCollected += len(pools)

		stored, err := c.Store.UpsertPools(ctx, pools)
		if err != nil {
			failed++
			res.AddError("store pools for dex %q: %v", dex, err)
			c.Handler.Handle(ctx, err, c.Key(), "upsert_pools", 0, 0)
			continue
		}
		res.RecordsStored += stored
	}

	res.SetMeta("dexes_total", len(targets))
	res.SetMeta("dexes_failed", failed)
	res.Success = failed < len(targets)
	return res, nil
}
