package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/poolwatch/poolwatch/internal/config"
	"github.com/poolwatch/poolwatch/internal/errs"
)

// OpenPostgres connects to the production database and applies the schema.
// Writes run directly against the pool; postgres handles write concurrency
// itself so no ordering queue is needed.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errs.E(errs.KindDatabaseConnection, "storage", "open_postgres", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.E(errs.KindDatabaseConnection, "storage", "open_postgres", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Str("driver", "postgres").Msg("database ready")
	return newSQLStore(db, cfg.QueryTimeout), nil
}

// Open picks the backend from config. Both return the same Store contract.
// onBreakerChange observes the sqlite write breaker and may be nil.
func Open(ctx context.Context, cfg config.DatabaseConfig, breakerCfg config.BreakerConfig, onBreakerChange func(name, from, to string)) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, cfg, breakerCfg, onBreakerChange)
	case "postgres":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, errs.Ef(errs.KindConfiguration, "storage", "open", "unsupported driver %q", cfg.Driver)
	}
}
