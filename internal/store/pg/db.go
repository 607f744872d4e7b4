// Package pg implements the credential and record stores on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Config tunes the shared connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	QueryTimeout    time.Duration
	ConnectRetries  uint64
}

const (
	defaultMaxConns        = 20
	defaultMinConns        = 2
	defaultMaxConnLifetime = 30 * time.Minute
	defaultQueryTimeout    = 5 * time.Second
	defaultConnectRetries  = 5
	connectBackoff         = 250 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		c.MinConns = defaultMinConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = defaultMaxConnLifetime
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = defaultConnectRetries
	}
	return c
}

// Connect opens the bounded pool and waits for the server with exponential
// backoff.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, oops.Code("PG_CONFIG_INVALID").Wrap(err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, oops.Code("PG_POOL_FAILED").Wrap(err)
	}

	backoff := retry.WithMaxRetries(cfg.ConnectRetries, retry.NewExponential(connectBackoff))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			logger.WarnContext(ctx, "postgres not reachable yet", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("PG_CONNECT_FAILED").With("attempts", attempt).Wrap(mapError(err))
	}
	return pool, nil
}

// SQLDB exposes pool through database/sql. Connections still come from, and
// are bounded by, the pool.
func SQLDB(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}
