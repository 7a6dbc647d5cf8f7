package collector

import (
	"context"

	"github.com/poolwatch/poolwatch/internal/client"
	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
	"github.com/poolwatch/poolwatch/internal/storage"
)

// Deps is the shared wiring every collector embeds. Collectors hold no other
// state, so constructing one is cheap and tests can swap any edge.
type Deps struct {
	Store   storage.Store
	Client  client.Client
	Handler *errs.Handler
	Cfg     *config.Config
}

// activeWatchlist lists the pools the per-pool collectors iterate.
func (d Deps) activeWatchlist(ctx context.Context) ([]models.WatchlistEntry, error) {
	return d.Store.ListWatchlist(ctx, true)
}
