package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/models"
)

// writeFunc runs fn inside a committed transaction. The ctx handed to fn
// belongs to the executor, not the submitter: the sqlite queue runs batches
// detached from any single caller, postgres runs them on the caller's context.
type writeFunc func(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error

// sqlStore is the Store implementation shared by both backends. Queries use
// `?` placeholders and are rebound per driver, so a statement is written once.
type sqlStore struct {
	db           *sqlx.DB
	write        writeFunc
	queryTimeout time.Duration
	now          func() time.Time
}

func newSQLStore(db *sqlx.DB, queryTimeout time.Duration) *sqlStore {
	s := &sqlStore{db: db, queryTimeout: queryTimeout, now: time.Now}
	s.write = s.directWrite
	return s
}

// opCtx bounds one storage operation by the configured query timeout. A zero
// timeout passes the caller's context through untouched.
func (s *sqlStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// directWrite opens one transaction per call, rolling back on any error.
func (s *sqlStore) directWrite(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.E(errs.Classify(err), "storage", "begin_tx", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.E(errs.Classify(err), "storage", "commit_tx", err)
	}
	return nil
}

func (s *sqlStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *errs.Error
	if errors.As(err, &ce) {
		return err
	}
	return errs.E(errs.Classify(err), "storage", op, err)
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.wrap("ping", s.db.PingContext(ctx))
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// --- venues and tokens ---

func (s *sqlStore) UpsertDexes(ctx context.Context, dexes []models.DEX) (int, error) {
	if len(dexes) == 0 {
		return 0, nil
	}
	q := s.db.Rebind(`
		INSERT INTO dexes (id, name, network_id) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name       = excluded.name,
			network_id = excluded.network_id`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, d := range dexes {
			if _, err := tx.ExecContext(ctx, q, d.ID, d.Name, d.NetworkID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, s.wrap("upsert_dexes", err)
	}
	return len(dexes), nil
}

func (s *sqlStore) ListDexes(ctx context.Context, network string) ([]models.DEX, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []models.DEX
	q := s.db.Rebind(`SELECT id, name, network_id FROM dexes WHERE network_id = ? ORDER BY id`)
	if err := s.db.SelectContext(ctx, &out, q, network); err != nil {
		return nil, s.wrap("list_dexes", err)
	}
	return out, nil
}

// upsertTokensTx never overwrites a known price, name, or symbol with an
// empty incoming value.
func (s *sqlStore) upsertTokensTx(ctx context.Context, tx *sqlx.Tx, tokens []models.Token) error {
	q := tx.Rebind(`
		INSERT INTO tokens (id, address, name, symbol, decimals, network, price_usd, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			address      = excluded.address,
			name         = CASE WHEN excluded.name <> '' THEN excluded.name ELSE tokens.name END,
			symbol       = CASE WHEN excluded.symbol <> '' THEN excluded.symbol ELSE tokens.symbol END,
			decimals     = CASE WHEN excluded.decimals <> 0 THEN excluded.decimals ELSE tokens.decimals END,
			price_usd    = COALESCE(excluded.price_usd, tokens.price_usd),
			last_updated = excluded.last_updated`)
	for _, t := range tokens {
		last := t.LastUpdated
		if last.IsZero() {
			last = s.now()
		}
		if _, err := tx.ExecContext(ctx, q,
			t.ID, t.Address, t.Name, t.Symbol, t.Decimals, t.Network, t.PriceUSD, last.UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) UpsertTokens(ctx context.Context, tokens []models.Token) (int, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		return s.upsertTokensTx(ctx, tx, tokens)
	})
	if err != nil {
		return 0, s.wrap("upsert_tokens", err)
	}
	return len(tokens), nil
}

func (s *sqlStore) GetToken(ctx context.Context, id string) (*models.Token, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var t models.Token
	q := s.db.Rebind(`SELECT id, address, name, symbol, decimals, network, price_usd, last_updated
		FROM tokens WHERE id = ?`)
	if err := s.db.GetContext(ctx, &t, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.wrap("get_token", err)
	}
	return &t, nil
}

// --- pools ---

func (s *sqlStore) UpsertPools(ctx context.Context, pools []models.Pool) (int, error) {
	if len(pools) == 0 {
		return 0, nil
	}
	q := s.db.Rebind(`
		INSERT INTO pools (id, address, name, dex_id, base_token_id, quote_token_id, reserve_usd, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			address        = excluded.address,
			name           = CASE WHEN excluded.name <> '' THEN excluded.name ELSE pools.name END,
			dex_id         = COALESCE(excluded.dex_id, pools.dex_id),
			base_token_id  = COALESCE(excluded.base_token_id, pools.base_token_id),
			quote_token_id = COALESCE(excluded.quote_token_id, pools.quote_token_id),
			reserve_usd    = excluded.reserve_usd,
			created_at     = CASE WHEN excluded.created_at < pools.created_at THEN excluded.created_at ELSE pools.created_at END,
			last_updated   = excluded.last_updated`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		// Embedded token payloads persist into the token table first so the
		// pool's token references never dangle.
		var tokens []models.Token
		for _, p := range pools {
			if p.BaseToken != nil {
				tokens = append(tokens, *p.BaseToken)
			}
			if p.QuoteToken != nil {
				tokens = append(tokens, *p.QuoteToken)
			}
		}
		if err := s.upsertTokensTx(ctx, tx, tokens); err != nil {
			return err
		}
		for _, p := range pools {
			created := p.CreatedAt
			if created.IsZero() {
				// Unknown creation time must not win the earliest-wins merge.
				created = s.now()
			}
			last := p.LastUpdated
			if last.IsZero() {
				last = s.now()
			}
			if _, err := tx.ExecContext(ctx, q,
				p.ID, p.Address, p.Name, p.DexID, p.BaseTokenID, p.QuoteTokenID,
				p.ReserveUSD, created.UTC(), last.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, s.wrap("upsert_pools", err)
	}
	return len(pools), nil
}

func (s *sqlStore) GetPool(ctx context.Context, id string) (*models.Pool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var p models.Pool
	q := s.db.Rebind(`SELECT id, address, name, dex_id, base_token_id, quote_token_id, reserve_usd, created_at, last_updated
		FROM pools WHERE id = ?`)
	if err := s.db.GetContext(ctx, &p, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.wrap("get_pool", err)
	}
	return &p, nil
}

// EnsureMinimalPool satisfies the watchlist foreign key before the first full
// pool payload arrives. Existing rows are left untouched.
func (s *sqlStore) EnsureMinimalPool(ctx context.Context, id, address string) error {
	now := s.now().UTC()
	q := s.db.Rebind(`
		INSERT INTO pools (id, address, name, reserve_usd, created_at, last_updated)
		VALUES (?, ?, '', 0, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, id, address, now, now)
		return err
	})
	return s.wrap("ensure_minimal_pool", err)
}

// --- candles ---

func (s *sqlStore) InsertCandles(ctx context.Context, candles []models.Candle) (BatchResult, error) {
	var res BatchResult
	if len(candles) == 0 {
		return res, nil
	}
	q := s.db.Rebind(`
		INSERT INTO ohlcv (pool_id, timeframe, timestamp_unix, open, high, low, close, volume_usd, datetime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pool_id, timeframe, timestamp_unix) DO NOTHING`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, c := range candles {
			r, err := tx.ExecContext(ctx, q,
				c.PoolID, c.Timeframe, c.TimestampUnix,
				c.Open, c.High, c.Low, c.Close, c.VolumeUSD, c.Datetime.UTC())
			if err != nil {
				return err
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				res.Stored++
			} else {
				res.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, s.wrap("insert_candles", err)
	}
	return res, nil
}

func (s *sqlStore) CandleRange(ctx context.Context, poolID string, tf models.Timeframe, tr models.TimeRange) ([]models.Candle, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []models.Candle
	q := s.db.Rebind(`SELECT pool_id, timeframe, timestamp_unix, open, high, low, close, volume_usd, datetime
		FROM ohlcv
		WHERE pool_id = ? AND timeframe = ? AND timestamp_unix BETWEEN ? AND ?
		ORDER BY timestamp_unix`)
	if err := s.db.SelectContext(ctx, &out, q, poolID, tf, tr.From.Unix(), tr.To.Unix()); err != nil {
		return nil, s.wrap("candle_range", err)
	}
	return out, nil
}

func (s *sqlStore) EarliestCandle(ctx context.Context, poolID string, tf models.Timeframe) (*models.Candle, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var c models.Candle
	q := s.db.Rebind(`SELECT pool_id, timeframe, timestamp_unix, open, high, low, close, volume_usd, datetime
		FROM ohlcv WHERE pool_id = ? AND timeframe = ?
		ORDER BY timestamp_unix ASC LIMIT 1`)
	if err := s.db.GetContext(ctx, &c, q, poolID, tf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.wrap("earliest_candle", err)
	}
	return &c, nil
}

// CandleGaps walks the aligned timeframe grid over [From, To] and collapses
// consecutive missing timestamps into intervals. The walk happens in Go so
// the query stays identical across both database flavors.
func (s *sqlStore) CandleGaps(ctx context.Context, poolID string, tf models.Timeframe, tr models.TimeRange) ([]models.Gap, error) {
	period := tf.Period()
	if period <= 0 {
		return nil, errs.Ef(errs.KindValidation, "storage", "candle_gaps", "unknown timeframe %q", tf)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	from := tf.AlignUnix(tr.From.Unix())
	if from < tr.From.Unix() {
		from += int64(period / time.Second)
	}
	to := tf.AlignUnix(tr.To.Unix())
	if from > to {
		return nil, nil
	}

	var have []int64
	q := s.db.Rebind(`SELECT timestamp_unix FROM ohlcv
		WHERE pool_id = ? AND timeframe = ? AND timestamp_unix BETWEEN ? AND ?
		ORDER BY timestamp_unix`)
	if err := s.db.SelectContext(ctx, &have, q, poolID, tf, from, to); err != nil {
		return nil, s.wrap("candle_gaps", err)
	}

	present := make(map[int64]bool, len(have))
	for _, ts := range have {
		present[ts] = true
	}

	step := int64(period / time.Second)
	var gaps []models.Gap
	var openGap *models.Gap
	for ts := from; ts <= to; ts += step {
		if present[ts] {
			if openGap != nil {
				gaps = append(gaps, *openGap)
				openGap = nil
			}
			continue
		}
		at := time.Unix(ts, 0).UTC()
		if openGap == nil {
			openGap = &models.Gap{Start: at, End: at}
		} else {
			openGap.End = at
		}
	}
	if openGap != nil {
		gaps = append(gaps, *openGap)
	}
	return gaps, nil
}

// --- trades ---

func (s *sqlStore) InsertTrades(ctx context.Context, trades []models.Trade) (BatchResult, error) {
	var res BatchResult
	if len(trades) == 0 {
		return res, nil
	}
	q := s.db.Rebind(`
		INSERT INTO trades (id, pool_id, block_number, tx_hash, from_token_amount, to_token_amount, price_usd, volume_usd, side, block_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, t := range trades {
			r, err := tx.ExecContext(ctx, q,
				t.ID, t.PoolID, t.BlockNumber, t.TxHash,
				t.FromTokenAmount, t.ToTokenAmount, t.PriceUSD, t.VolumeUSD,
				t.Side, t.BlockTimestamp.UTC())
			if err != nil {
				return err
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				res.Stored++
			} else {
				res.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, s.wrap("insert_trades", err)
	}
	return res, nil
}

func (s *sqlStore) TradeRange(ctx context.Context, poolID string, tr models.TimeRange) ([]models.Trade, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []models.Trade
	q := s.db.Rebind(`SELECT id, pool_id, block_number, tx_hash, from_token_amount, to_token_amount, price_usd, volume_usd, side, block_timestamp
		FROM trades
		WHERE pool_id = ? AND block_timestamp BETWEEN ? AND ?
		ORDER BY block_timestamp`)
	if err := s.db.SelectContext(ctx, &out, q, poolID, tr.From.UTC(), tr.To.UTC()); err != nil {
		return nil, s.wrap("trade_range", err)
	}
	return out, nil
}

// --- watchlist ---

type watchlistRow struct {
	PoolID         string    `db:"pool_id"`
	TokenSymbol    string    `db:"token_symbol"`
	TokenName      string    `db:"token_name"`
	NetworkAddress string    `db:"network_address"`
	IsActive       bool      `db:"is_active"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	Metadata       string    `db:"metadata"`
}

func (r watchlistRow) toModel() (models.WatchlistEntry, error) {
	e := models.WatchlistEntry{
		PoolID:         r.PoolID,
		TokenSymbol:    r.TokenSymbol,
		TokenName:      r.TokenName,
		NetworkAddress: r.NetworkAddress,
		IsActive:       r.IsActive,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return e, err
		}
	}
	return e, nil
}

func marshalMeta(meta map[string]interface{}) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *sqlStore) UpsertWatchlistEntry(ctx context.Context, entry models.WatchlistEntry) error {
	meta, err := marshalMeta(entry.Metadata)
	if err != nil {
		return errs.E(errs.KindValidation, "storage", "upsert_watchlist", err)
	}
	now := s.now().UTC()
	created := entry.CreatedAt
	if created.IsZero() {
		created = now
	}
	q := s.db.Rebind(`
		INSERT INTO watchlist (pool_id, token_symbol, token_name, network_address, is_active, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pool_id) DO UPDATE SET
			token_symbol    = excluded.token_symbol,
			token_name      = excluded.token_name,
			network_address = excluded.network_address,
			is_active       = excluded.is_active,
			updated_at      = excluded.updated_at,
			metadata        = excluded.metadata`)
	err = s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			entry.PoolID, entry.TokenSymbol, entry.TokenName, entry.NetworkAddress,
			entry.IsActive, created.UTC(), now, meta)
		return err
	})
	return s.wrap("upsert_watchlist", err)
}

func (s *sqlStore) GetWatchlistEntry(ctx context.Context, poolID string) (*models.WatchlistEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var row watchlistRow
	q := s.db.Rebind(`SELECT pool_id, token_symbol, token_name, network_address, is_active, created_at, updated_at, metadata
		FROM watchlist WHERE pool_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, poolID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.wrap("get_watchlist_entry", err)
	}
	e, err := row.toModel()
	if err != nil {
		return nil, errs.E(errs.KindParsing, "storage", "get_watchlist_entry", err)
	}
	return &e, nil
}

func (s *sqlStore) ListWatchlist(ctx context.Context, activeOnly bool) ([]models.WatchlistEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	q := `SELECT pool_id, token_symbol, token_name, network_address, is_active, created_at, updated_at, metadata
		FROM watchlist`
	if activeOnly {
		q += ` WHERE is_active`
	}
	q += ` ORDER BY pool_id`
	var rows []watchlistRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, s.wrap("list_watchlist", err)
	}
	out := make([]models.WatchlistEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, errs.E(errs.KindParsing, "storage", "list_watchlist", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *sqlStore) SetWatchlistActive(ctx context.Context, poolID string, active bool) error {
	q := s.db.Rebind(`UPDATE watchlist SET is_active = ?, updated_at = ? WHERE pool_id = ?`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, active, s.now().UTC(), poolID)
		return err
	})
	return s.wrap("set_watchlist_active", err)
}

func (s *sqlStore) DeleteWatchlistEntry(ctx context.Context, poolID string) error {
	q := s.db.Rebind(`DELETE FROM watchlist WHERE pool_id = ?`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, poolID)
		return err
	})
	return s.wrap("delete_watchlist_entry", err)
}

// --- new-pool history ---

func (s *sqlStore) InsertNewPoolSnapshot(ctx context.Context, snap models.NewPoolSnapshot) error {
	collected := snap.CollectedAt
	if collected.IsZero() {
		collected = s.now()
	}
	q := s.db.Rebind(`
		INSERT INTO new_pool_history (pool_id, collected_at, pool_created_at, open, high, low, close, volume_usd, volume_24h_usd, liquidity_usd, buys, sells, signal_score, volume_trend, liquidity_trend)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			snap.PoolID, collected.UTC(), snap.PoolCreatedAt.UTC(),
			snap.Open, snap.High, snap.Low, snap.Close,
			snap.VolumeUSD, snap.Volume24hUSD, snap.LiquidityUSD,
			snap.Buys, snap.Sells, snap.SignalScore,
			snap.VolumeTrend, snap.LiquidityTrend)
		return err
	})
	return s.wrap("insert_snapshot", err)
}

func (s *sqlStore) RecentSnapshots(ctx context.Context, poolID string, limit int) ([]models.NewPoolSnapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var out []models.NewPoolSnapshot
	q := s.db.Rebind(`SELECT pool_id, collected_at, pool_created_at, open, high, low, close, volume_usd, volume_24h_usd, liquidity_usd, buys, sells, signal_score, volume_trend, liquidity_trend
		FROM new_pool_history
		WHERE pool_id = ?
		ORDER BY collected_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, q, poolID, limit); err != nil {
		return nil, s.wrap("recent_snapshots", err)
	}
	return out, nil
}

// --- collection metadata ---

func (s *sqlStore) GetCollectionMetadata(ctx context.Context, collectorType string) (*models.CollectionMetadata, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var m models.CollectionMetadata
	q := s.db.Rebind(`SELECT collector_type, last_run, last_success, run_count, error_count, last_error, metadata_json
		FROM collection_metadata WHERE collector_type = ?`)
	if err := s.db.GetContext(ctx, &m, q, collectorType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.wrap("get_collection_metadata", err)
	}
	return &m, nil
}

// RecordRun bumps run_count on every call and error_count on failures.
// last_error is sticky across successes so the most recent failure stays
// visible; metadata_json only advances when the caller supplies one.
func (s *sqlStore) RecordRun(ctx context.Context, collectorType string, ranAt time.Time, success bool, lastError, metadataJSON string) error {
	var lastSuccess *time.Time
	errCount := 1
	if success {
		utc := ranAt.UTC()
		lastSuccess = &utc
		errCount = 0
	}
	q := s.db.Rebind(`
		INSERT INTO collection_metadata (collector_type, last_run, last_success, run_count, error_count, last_error, metadata_json)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (collector_type) DO UPDATE SET
			last_run      = excluded.last_run,
			last_success  = COALESCE(excluded.last_success, collection_metadata.last_success),
			run_count     = collection_metadata.run_count + 1,
			error_count   = collection_metadata.error_count + excluded.error_count,
			last_error    = CASE WHEN excluded.last_error <> '' THEN excluded.last_error ELSE collection_metadata.last_error END,
			metadata_json = CASE WHEN excluded.metadata_json <> '' THEN excluded.metadata_json ELSE collection_metadata.metadata_json END`)
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			collectorType, ranAt.UTC(), lastSuccess, errCount, lastError, metadataJSON)
		return err
	})
	return s.wrap("record_run", err)
}

// --- alerts ---

type alertRow struct {
	ID            string    `db:"id"`
	Level         string    `db:"level"`
	CollectorType string    `db:"collector_type"`
	Message       string    `db:"message"`
	Timestamp     time.Time `db:"timestamp"`
	Acknowledged  bool      `db:"acknowledged"`
	Resolved      bool      `db:"resolved"`
	Metadata      string    `db:"metadata"`
}

func (r alertRow) toModel() (models.SystemAlert, error) {
	a := models.SystemAlert{
		ID:            r.ID,
		Level:         models.AlertLevel(r.Level),
		CollectorType: r.CollectorType,
		Message:       r.Message,
		Timestamp:     r.Timestamp,
		Acknowledged:  r.Acknowledged,
		Resolved:      r.Resolved,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &a.Metadata); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (s *sqlStore) InsertAlert(ctx context.Context, alert models.SystemAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.now()
	}
	meta, err := marshalMeta(alert.Metadata)
	if err != nil {
		return errs.E(errs.KindValidation, "storage", "insert_alert", err)
	}
	q := s.db.Rebind(`
		INSERT INTO system_alerts (id, level, collector_type, message, timestamp, acknowledged, resolved, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	err = s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			alert.ID, string(alert.Level), alert.CollectorType, alert.Message,
			alert.Timestamp.UTC(), alert.Acknowledged, alert.Resolved, meta)
		return err
	})
	return s.wrap("insert_alert", err)
}

func (s *sqlStore) ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]models.SystemAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	q := `SELECT id, level, collector_type, message, timestamp, acknowledged, resolved, metadata FROM system_alerts`
	if unresolvedOnly {
		q += ` WHERE NOT resolved`
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), limit); err != nil {
		return nil, s.wrap("list_alerts", err)
	}
	out := make([]models.SystemAlert, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, errs.E(errs.KindParsing, "storage", "list_alerts", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *sqlStore) setAlertFlag(ctx context.Context, op, column, id string) error {
	q := s.db.Rebind(`UPDATE system_alerts SET ` + column + ` = ? WHERE id = ?`)
	var affected int64
	err := s.write(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		r, err := tx.ExecContext(ctx, q, true, id)
		if err != nil {
			return err
		}
		affected, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return s.wrap(op, err)
	}
	if affected == 0 {
		return errs.Ef(errs.KindValidation, "storage", op, "no alert with id %s", id)
	}
	return nil
}

func (s *sqlStore) AcknowledgeAlert(ctx context.Context, id string) error {
	return s.setAlertFlag(ctx, "acknowledge_alert", "acknowledged", id)
}

func (s *sqlStore) ResolveAlert(ctx context.Context, id string) error {
	return s.setAlertFlag(ctx, "resolve_alert", "resolved", id)
}
