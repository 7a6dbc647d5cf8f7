package storage

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/poolwatch/poolwatch/internal/errs"
)

// schemaDDL is shared between the sqlite and postgres backends: portable
// types only (TEXT, NUMERIC, BIGINT, BOOLEAN, TIMESTAMP), upserts rely on
// SQL-standard ON CONFLICT. Statements are idempotent.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS dexes (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	network_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	id           TEXT PRIMARY KEY,
	address      TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	symbol       TEXT NOT NULL DEFAULT '',
	decimals     INTEGER NOT NULL DEFAULT 0,
	network      TEXT NOT NULL,
	price_usd    NUMERIC,
	last_updated TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
	id             TEXT PRIMARY KEY,
	address        TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	dex_id         TEXT,
	base_token_id  TEXT,
	quote_token_id TEXT,
	reserve_usd    NUMERIC NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	last_updated   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pools_dex ON pools (dex_id);

CREATE TABLE IF NOT EXISTS ohlcv (
	pool_id        TEXT NOT NULL,
	timeframe      TEXT NOT NULL,
	timestamp_unix BIGINT NOT NULL,
	open           NUMERIC NOT NULL,
	high           NUMERIC NOT NULL,
	low            NUMERIC NOT NULL,
	close          NUMERIC NOT NULL,
	volume_usd     NUMERIC NOT NULL,
	datetime       TIMESTAMP NOT NULL,
	PRIMARY KEY (pool_id, timeframe, timestamp_unix)
);

CREATE TABLE IF NOT EXISTS trades (
	id                TEXT PRIMARY KEY,
	pool_id           TEXT NOT NULL,
	block_number      BIGINT NOT NULL,
	tx_hash           TEXT NOT NULL,
	from_token_amount NUMERIC NOT NULL,
	to_token_amount   NUMERIC NOT NULL,
	price_usd         NUMERIC NOT NULL,
	volume_usd        NUMERIC NOT NULL,
	side              TEXT NOT NULL,
	block_timestamp   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_pool_ts ON trades (pool_id, block_timestamp);

CREATE TABLE IF NOT EXISTS watchlist (
	pool_id         TEXT PRIMARY KEY,
	token_symbol    TEXT NOT NULL DEFAULT '',
	token_name      TEXT NOT NULL DEFAULT '',
	network_address TEXT NOT NULL DEFAULT '',
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	metadata        TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS new_pool_history (
	pool_id         TEXT NOT NULL,
	collected_at    TIMESTAMP NOT NULL,
	pool_created_at TIMESTAMP NOT NULL,
	open            NUMERIC NOT NULL,
	high            NUMERIC NOT NULL,
	low             NUMERIC NOT NULL,
	close           NUMERIC NOT NULL,
	volume_usd      NUMERIC NOT NULL,
	volume_24h_usd  NUMERIC NOT NULL,
	liquidity_usd   NUMERIC NOT NULL,
	buys            INTEGER NOT NULL,
	sells           INTEGER NOT NULL,
	signal_score    NUMERIC NOT NULL,
	volume_trend    TEXT NOT NULL DEFAULT '',
	liquidity_trend TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_new_pool_history_pool ON new_pool_history (pool_id, collected_at);

CREATE TABLE IF NOT EXISTS collection_metadata (
	collector_type TEXT PRIMARY KEY,
	last_run       TIMESTAMP,
	last_success   TIMESTAMP,
	run_count      BIGINT NOT NULL DEFAULT 0,
	error_count    BIGINT NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	metadata_json  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS system_alerts (
	id             TEXT PRIMARY KEY,
	level          TEXT NOT NULL,
	collector_type TEXT NOT NULL DEFAULT '',
	message        TEXT NOT NULL,
	timestamp      TIMESTAMP NOT NULL,
	acknowledged   BOOLEAN NOT NULL DEFAULT FALSE,
	resolved       BOOLEAN NOT NULL DEFAULT FALSE,
	metadata       TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_system_alerts_ts ON system_alerts (timestamp);
`

// ensureSchema applies the DDL statement by statement so a failure names the
// statement that broke.
func ensureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range strings.Split(schemaDDL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errs.E(errs.Classify(err), "storage", "ensure_schema", err)
		}
	}
	return nil
}
