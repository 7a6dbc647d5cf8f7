package collector

import (
	"context"
)

// DexListCollector refreshes the exchange catalog for one network. DEXes are
// only ever added or renamed, never removed.
type DexListCollector struct {
	Deps
	Network string
}

func NewDexListCollector(deps Deps, network string) *DexListCollector {
	return &DexListCollector{Deps: deps, Network: network}
}

func (c *DexListCollector) Key() string { return "dex_monitoring_" + c.Network }

func (c *DexListCollector) Collect(ctx context.Context) (*Result, error) {
	res := &Result{CollectorKey: c.Key()}

	dexes, err := c.Client.GetDexes(ctx, c.Network)
	if err != nil {
		return res, err
	}
	res.RecordsCollected = len(dexes)

	stored, err := c.Store.UpsertDexes(ctx, dexes)
	if err != nil {
		return res, err
	}
	res.RecordsStored = stored
	res.Success = true
	return res, nil
}
