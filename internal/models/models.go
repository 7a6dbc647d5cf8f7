package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeRange represents a UTC time window for range and gap queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Network identifies a blockchain network as reported by the upstream API.
type Network struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// DEX identifies an exchange venue on a network. Created by the DEX-list
// collector, never deleted.
type DEX struct {
	ID        string `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	NetworkID string `json:"network_id" db:"network_id"`
}

// Token is one token per on-chain address per network. ID is the API's
// canonical "network_address" string; Address keeps its original case.
type Token struct {
	ID          string           `json:"id" db:"id"`
	Address     string           `json:"address" db:"address"`
	Name        string           `json:"name" db:"name"`
	Symbol      string           `json:"symbol" db:"symbol"`
	Decimals    int              `json:"decimals" db:"decimals"`
	Network     string           `json:"network" db:"network"`
	PriceUSD    *decimal.Decimal `json:"price_usd,omitempty" db:"price_usd"`
	LastUpdated time.Time        `json:"last_updated" db:"last_updated"`
}

// Pool is a liquidity pair on a DEX. DexID and the token references may be
// empty for minimal rows created by watchlist additions; the next top-pools
// or multi-pool fetch fills them in.
type Pool struct {
	ID           string          `json:"id" db:"id"`
	Address      string          `json:"address" db:"address"`
	Name         string          `json:"name" db:"name"`
	DexID        *string         `json:"dex_id,omitempty" db:"dex_id"`
	BaseTokenID  *string         `json:"base_token_id,omitempty" db:"base_token_id"`
	QuoteTokenID *string         `json:"quote_token_id,omitempty" db:"quote_token_id"`
	ReserveUSD   decimal.Decimal `json:"reserve_usd" db:"reserve_usd"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	LastUpdated  time.Time       `json:"last_updated" db:"last_updated"`

	// Embedded token payloads from the upstream response. Not persisted on
	// the pool row; the storage layer upserts them into the token table.
	BaseToken  *Token `json:"base_token,omitempty" db:"-"`
	QuoteToken *Token `json:"quote_token,omitempty" db:"-"`
}

// Candle is one OHLCV row. (PoolID, Timeframe, TimestampUnix) is unique.
type Candle struct {
	PoolID        string          `json:"pool_id" db:"pool_id"`
	Timeframe     Timeframe       `json:"timeframe" db:"timeframe"`
	TimestampUnix int64           `json:"timestamp_unix" db:"timestamp_unix"`
	Open          decimal.Decimal `json:"open" db:"open"`
	High          decimal.Decimal `json:"high" db:"high"`
	Low           decimal.Decimal `json:"low" db:"low"`
	Close         decimal.Decimal `json:"close" db:"close"`
	VolumeUSD     decimal.Decimal `json:"volume_usd" db:"volume_usd"`
	Datetime      time.Time       `json:"datetime" db:"datetime"`
}

// TradeSide is the taker direction of a swap.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is a single swap against a pool, unique by ID.
type Trade struct {
	ID              string          `json:"id" db:"id"`
	PoolID          string          `json:"pool_id" db:"pool_id"`
	BlockNumber     int64           `json:"block_number" db:"block_number"`
	TxHash          string          `json:"tx_hash" db:"tx_hash"`
	FromTokenAmount decimal.Decimal `json:"from_token_amount" db:"from_token_amount"`
	ToTokenAmount   decimal.Decimal `json:"to_token_amount" db:"to_token_amount"`
	PriceUSD        decimal.Decimal `json:"price_usd" db:"price_usd"`
	VolumeUSD       decimal.Decimal `json:"volume_usd" db:"volume_usd"`
	Side            TradeSide       `json:"side" db:"side"`
	BlockTimestamp  time.Time       `json:"block_timestamp" db:"block_timestamp"`
}

// WatchlistEntry is the DB row for one monitored pool. Exactly one row per
// PoolID. Metadata records auto-add provenance and the signal score.
type WatchlistEntry struct {
	PoolID         string                 `json:"pool_id" db:"pool_id"`
	TokenSymbol    string                 `json:"token_symbol" db:"token_symbol"`
	TokenName      string                 `json:"token_name" db:"token_name"`
	NetworkAddress string                 `json:"network_address" db:"network_address"`
	IsActive       bool                   `json:"is_active" db:"is_active"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
	Metadata       map[string]interface{} `json:"metadata" db:"metadata"`
}

// NewPoolSnapshot is one append-only history row per (pool, collection pass)
// carrying the interval metrics the signal analyzer consumes.
type NewPoolSnapshot struct {
	PoolID         string          `json:"pool_id" db:"pool_id"`
	CollectedAt    time.Time       `json:"collected_at" db:"collected_at"`
	PoolCreatedAt  time.Time       `json:"pool_created_at" db:"pool_created_at"`
	Open           decimal.Decimal `json:"open" db:"open"`
	High           decimal.Decimal `json:"high" db:"high"`
	Low            decimal.Decimal `json:"low" db:"low"`
	Close          decimal.Decimal `json:"close" db:"close"`
	VolumeUSD      decimal.Decimal `json:"volume_usd" db:"volume_usd"`
	Volume24hUSD   decimal.Decimal `json:"volume_24h_usd" db:"volume_24h_usd"`
	LiquidityUSD   decimal.Decimal `json:"liquidity_usd" db:"liquidity_usd"`
	Buys           int             `json:"buys" db:"buys"`
	Sells          int             `json:"sells" db:"sells"`
	SignalScore    float64         `json:"signal_score" db:"signal_score"`
	VolumeTrend    string          `json:"volume_trend" db:"volume_trend"`
	LiquidityTrend string          `json:"liquidity_trend" db:"liquidity_trend"`
}

// CollectionMetadata is the per-collector bookkeeping row. RunCount and
// ErrorCount are monotonic.
type CollectionMetadata struct {
	CollectorType string     `json:"collector_type" db:"collector_type"`
	LastRun       *time.Time `json:"last_run,omitempty" db:"last_run"`
	LastSuccess   *time.Time `json:"last_success,omitempty" db:"last_success"`
	RunCount      int64      `json:"run_count" db:"run_count"`
	ErrorCount    int64      `json:"error_count" db:"error_count"`
	LastError     string     `json:"last_error" db:"last_error"`
	MetadataJSON  string     `json:"metadata_json" db:"metadata_json"`
}

// AlertLevel classifies a system alert for operator triage.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

// SystemAlert is an append-only operator-facing alert row.
type SystemAlert struct {
	ID            string                 `json:"id" db:"id"`
	Level         AlertLevel             `json:"level" db:"level"`
	CollectorType string                 `json:"collector_type" db:"collector_type"`
	Message       string                 `json:"message" db:"message"`
	Timestamp     time.Time              `json:"timestamp" db:"timestamp"`
	Acknowledged  bool                   `json:"acknowledged" db:"acknowledged"`
	Resolved      bool                   `json:"resolved" db:"resolved"`
	Metadata      map[string]interface{} `json:"metadata" db:"metadata"`
}

// Gap is a missing interval on a (pool, timeframe) candle grid. Start is the
// first missing aligned timestamp, End the last (inclusive).
type Gap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
