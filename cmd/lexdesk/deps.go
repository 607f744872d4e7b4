package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"

	"lexdesk.app/internal/auth"
	"lexdesk.app/internal/config"
	"lexdesk.app/internal/records"
	"lexdesk.app/internal/store/pg"
)

// deps holds the services shared by the server and admin commands.
type deps struct {
	creds    *auth.CredentialService
	sessions *auth.SessionService
	records  *records.Service
	ready    func(ctx context.Context) error

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// buildDeps wires storage, hashing and token issuance from cfg.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	d := &deps{ready: func(context.Context) error { return nil }}

	var (
		authStore   auth.Store
		recordStore records.Store
	)
	switch cfg.Storage.Type {
	case "memory":
		authStore = auth.NewMemoryStore()
		recordStore = records.NewMemoryStore()
	case "postgres":
		pool, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, pool.Close)

		sqlDB := pg.SQLDB(pool)
		d.closers = append(d.closers, func() { _ = sqlDB.Close() })

		store := pg.NewStore(sqlDB, cfg.Storage.Postgres.QueryTimeout)
		authStore = store
		recordStore = pg.NewRecordStore(pool, cfg.Storage.Postgres.QueryTimeout)
		d.ready = store.Ping
	default:
		return nil, oops.Code("CONFIG_INVALID").Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	hasher, err := auth.NewPasswordHasher(cfg.Auth.PasswordHash, cfg.Auth.BcryptCost)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.creds, err = auth.NewCredentialService(authStore,
		auth.WithHasher(hasher),
		auth.WithHashConcurrency(cfg.Auth.HashConcurrency),
		auth.WithLogger(logger),
	)
	if err != nil {
		d.Close()
		return nil, err
	}

	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.Secret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.sessions, err = auth.NewSessionService(d.creds, issuer, auth.WithGenerationCheck(cfg.Auth.CheckTokenGeneration))
	if err != nil {
		d.Close()
		return nil, err
	}
	d.records, err = records.NewService(recordStore)
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// openPostgres connects with retries, then applies pending migrations when
// storage.postgres.migrate_on_start is set.
func openPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pgc := cfg.Storage.Postgres
	pool, err := pg.Connect(ctx, pg.Config{
		DSN:             pgc.DSN,
		MaxConns:        pgc.MaxConns,
		MinConns:        pgc.MinConns,
		MaxConnLifetime: pgc.MaxConnLifetime,
		QueryTimeout:    pgc.QueryTimeout,
		ConnectRetries:  pgc.ConnectRetries,
	}, logger)
	if err != nil {
		return nil, err
	}
	if pgc.MigrateOnStart {
		if err := migrateUp(pgc.DSN, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

func migrateUp(dsn string, logger *slog.Logger) (err error) {
	m, err := pg.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, m.Close()) }()

	if err := m.Up(); err != nil {
		return err
	}
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	logger.Info("database schema up to date", "version", v, "dirty", dirty)
	return nil
}
