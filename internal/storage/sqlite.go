package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/errs"
	"github.com/poolwatch/poolwatch/internal/net/circuit"
)

// sqliteStore routes all writes through the ordered write queue. Reads go
// straight to the pool; WAL mode keeps them concurrent with the writer.
type sqliteStore struct {
	*sqlStore
	queue *writeQueue
}

// sqliteDSN appends the WAL pragmas unless the caller already set a query
// string of their own.
func sqliteDSN(cfg config.DatabaseConfig) string {
	if strings.Contains(cfg.DSN, "?") {
		return cfg.DSN
	}
	busyMS := cfg.BusyTimeout.Milliseconds()
	if busyMS <= 0 {
		busyMS = 5000
	}
	return fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on", cfg.DSN, busyMS)
}

// OpenSQLite opens (and creates if needed) the embedded database, applies the
// schema, and starts the write queue behind its own circuit breaker.
// onBreakerChange may be nil.
func OpenSQLite(ctx context.Context, cfg config.DatabaseConfig, breakerCfg config.BreakerConfig, onBreakerChange func(name, from, to string)) (Store, error) {
	dsn := sqliteDSN(cfg)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.E(errs.KindDatabaseConnection, "storage", "open_sqlite", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.E(errs.KindDatabaseConnection, "storage", "open_sqlite", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	breaker := circuit.New(circuit.Config{
		Name:             "storage",
		FailureThreshold: breakerCfg.FailureThreshold,
		RecoveryTimeout:  breakerCfg.RecoveryTimeout,
		OnStateChange:    onBreakerChange,
	})
	queue := newWriteQueue(db, breaker, cfg.WriteQueueSize, cfg.WriteQueueSize/2, cfg.WriteFlushWait, cfg.WriteMaxRetries)

	s := &sqliteStore{sqlStore: newSQLStore(db, cfg.QueryTimeout), queue: queue}
	s.sqlStore.write = func(ctx context.Context, fn func(context.Context, *sqlx.Tx) error) error {
		ctx, cancel := s.opCtx(ctx)
		defer cancel()
		return queue.Submit(ctx, fn)
	}

	log.Info().Str("driver", "sqlite").Str("dsn", cfg.DSN).Msg("database ready")
	return s, nil
}

// Close drains pending writes before releasing the pool.
func (s *sqliteStore) Close() error {
	s.queue.Close()
	return s.sqlStore.Close()
}
