package storage

import (
	"context"
	"time"

	"github.com/poolwatch/poolwatch/internal/models"
)

// BatchResult reports how a deduplicating batch insert went. Skipped counts
// rows dropped by a uniqueness conflict, which is the dedup contract rather
// than an error.
type BatchResult struct {
	Stored  int
	Skipped int
}

// Store abstracts the relational database behind the collectors. Two
// implementations exist: an embedded sqlite store for development and
// validation, and a postgres store for production. All writes are
// transactional; batch writes use one transaction per batch.
type Store interface {
	// Venue and token reference data.
	UpsertDexes(ctx context.Context, dexes []models.DEX) (int, error)
	ListDexes(ctx context.Context, network string) ([]models.DEX, error)
	UpsertTokens(ctx context.Context, tokens []models.Token) (int, error)
	GetToken(ctx context.Context, id string) (*models.Token, error)

	// Pools. Upserts never overwrite non-null fields with null; minimal
	// rows carry only id and address until the next full payload.
	UpsertPools(ctx context.Context, pools []models.Pool) (int, error)
	GetPool(ctx context.Context, id string) (*models.Pool, error)
	EnsureMinimalPool(ctx context.Context, id, address string) error

	// OHLCV candles: dedup insert on (pool_id, timeframe, timestamp_unix),
	// range select, and gap enumeration over the timeframe grid.
	InsertCandles(ctx context.Context, candles []models.Candle) (BatchResult, error)
	CandleRange(ctx context.Context, poolID string, tf models.Timeframe, tr models.TimeRange) ([]models.Candle, error)
	CandleGaps(ctx context.Context, poolID string, tf models.Timeframe, tr models.TimeRange) ([]models.Gap, error)
	EarliestCandle(ctx context.Context, poolID string, tf models.Timeframe) (*models.Candle, error)

	// Trades: dedup insert on id, range select.
	InsertTrades(ctx context.Context, trades []models.Trade) (BatchResult, error)
	TradeRange(ctx context.Context, poolID string, tr models.TimeRange) ([]models.Trade, error)

	// Watchlist, unique per pool_id.
	UpsertWatchlistEntry(ctx context.Context, entry models.WatchlistEntry) error
	GetWatchlistEntry(ctx context.Context, poolID string) (*models.WatchlistEntry, error)
	ListWatchlist(ctx context.Context, activeOnly bool) ([]models.WatchlistEntry, error)
	SetWatchlistActive(ctx context.Context, poolID string, active bool) error
	DeleteWatchlistEntry(ctx context.Context, poolID string) error

	// Append-only new-pool history.
	InsertNewPoolSnapshot(ctx context.Context, snap models.NewPoolSnapshot) error
	RecentSnapshots(ctx context.Context, poolID string, limit int) ([]models.NewPoolSnapshot, error)

	// Per-collector bookkeeping. RecordRun is atomic and monotonic.
	GetCollectionMetadata(ctx context.Context, collectorType string) (*models.CollectionMetadata, error)
	RecordRun(ctx context.Context, collectorType string, ranAt time.Time, success bool, lastError, metadataJSON string) error

	// Operator alerts.
	InsertAlert(ctx context.Context, alert models.SystemAlert) error
	ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.SystemAlert, error)
	AcknowledgeAlert(ctx context.Context, id string) error
	ResolveAlert(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
