package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/policy"
	"github.com/ineyio/quotaledger/quota"
	"github.com/ineyio/quotaledger/quota/postgres"
	"github.com/ineyio/quotaledger/quota/sqlite"
)

// backend is an opened store plus its lifecycle hooks.
type backend struct {
	store  quotaledger.Store
	schema func(ctx context.Context) error
	close  func()
}

// openStore connects to the store named by cfg. The schema is not created.
func openStore(ctx context.Context, cfg quotaledger.StoreConfig) (*backend, error) {
	switch cfg.Driver {
	case quotaledger.DriverMemory:
		return &backend{
			store:  quota.NewMemoryStore(),
			schema: func(context.Context) error { return nil },
			close:  func() {},
		}, nil

	case quotaledger.DriverSQLite:
		db, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		var opts []sqlite.Option
		if cfg.TablePrefix != "" {
			opts = append(opts, sqlite.WithTablePrefix(cfg.TablePrefix))
		}
		s := sqlite.New(db, opts...)
		return &backend{
			store:  s,
			schema: s.EnsureSchema,
			close:  func() { db.Close() },
		}, nil

	case quotaledger.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		var opts []postgres.Option
		if cfg.TablePrefix != "" {
			opts = append(opts, postgres.WithTablePrefix(cfg.TablePrefix))
		}
		s := postgres.New(pool, opts...)
		return &backend{
			store:  s,
			schema: s.EnsureSchema,
			close:  pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// openLedger opens the store, ensures its schema and builds a ledger on it.
func openLedger(ctx context.Context, cfg quotaledger.Config, opts ...quotaledger.Option) (*quotaledger.Ledger, *backend, error) {
	b, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	if err := b.schema(ctx); err != nil {
		b.close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}

	p, err := policy.ByName(cfg.AllocationPolicy)
	if err != nil {
		b.close()
		return nil, nil, err
	}

	base := []quotaledger.Option{
		quotaledger.WithPolicy(p),
		quotaledger.WithTTL(cfg.AuthorizationTTL),
	}
	l, err := quotaledger.NewLedger(b.store, append(base, opts...)...)
	if err != nil {
		b.close()
		return nil, nil, err
	}
	return l, b, nil
}
