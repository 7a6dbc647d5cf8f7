package client

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/poolwatch/poolwatch/internal/models"
)

// Client is the capability set collectors are polymorphic over. The HTTP
// implementation talks to the upstream JSON API; the mock implementation
// replays fixtures from disk. Both return identical types.
type Client interface {
	// GetNetworks lists the networks the upstream knows about.
	GetNetworks(ctx context.Context) ([]models.Network, error)

	// GetDexes lists the DEXes on a network.
	GetDexes(ctx context.Context, network string) ([]models.DEX, error)

	// GetTopPools returns the top-ranked pools for a network, or for one
	// DEX on the network when dex is non-empty. Paginated from 1.
	GetTopPools(ctx context.Context, network, dex string, page int) ([]models.Pool, error)

	// GetPoolsMulti fetches multiple pools by their address list in one call.
	GetPoolsMulti(ctx context.Context, network string, addresses []string) ([]models.Pool, error)

	// GetPool fetches a single pool by address.
	GetPool(ctx context.Context, network, address string) (*models.Pool, error)

	// GetOHLCV fetches candles for one pool and timeframe.
	GetOHLCV(ctx context.Context, req OHLCVRequest) ([]models.Candle, error)

	// GetTrades returns recent trades for a pool, bounded upstream to the
	// last 24 hours and 300 rows, pre-filtered by minimum USD volume.
	GetTrades(ctx context.Context, network, poolAddress string, minVolumeUSD decimal.Decimal) ([]models.Trade, error)

	// GetTokenInfo fetches token metadata by address.
	GetTokenInfo(ctx context.Context, network, address string) (*models.Token, error)

	// GetNewPools pages through recently created pools. Pages 1..10.
	GetNewPools(ctx context.Context, network string, page int) ([]NewPoolPayload, error)

	// Close releases the underlying session. Safe to call once on shutdown.
	Close() error
}

// OHLCVRequest captures every knob of the candle endpoint.
type OHLCVRequest struct {
	Network         string
	PoolAddress     string
	PoolID          string
	Timeframe       models.Timeframe
	BeforeTimestamp int64 // unix seconds; 0 means "latest"
	Limit           int   // default 100, max 1000
	Currency        string
	Token           string
	IncludeEmpty    bool
}

// NewPoolPayload pairs a newly listed pool with the interval metrics the
// signal analyzer scores.
type NewPoolPayload struct {
	Pool    models.Pool
	Metrics models.NewPoolSnapshot
}

// Endpoint keys used for rate-limiter pacing. One key per upstream route
// family; pacing is per key, the global window covers all of them.
const (
	EndpointNetworks  = "networks"
	EndpointDexes     = "dexes"
	EndpointTopPools  = "top_pools"
	EndpointPoolsMult = "pools_multi"
	EndpointPool      = "pool"
	EndpointOHLCV     = "ohlcv"
	EndpointTrades    = "trades"
	EndpointTokenInfo = "token_info"
	EndpointNewPools  = "new_pools"
)
