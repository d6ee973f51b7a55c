//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
	quotapg "github.com/ineyio/quotaledger/quota/postgres"
	"github.com/ineyio/quotaledger/quota/storetest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/quotaledger_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

var seq atomic.Int64

func newTestStore(t *testing.T, pool *pgxpool.Pool) *quotapg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%d_%s_", seq.Add(1), strings.ToLower(t.Name()))
	prefix = strings.NewReplacer("/", "_", "-", "_").Replace(prefix)
	if len(prefix) > 24 {
		prefix = prefix[:24] + "_"
	}
	s := quotapg.New(pool, quotapg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %[1]sauthorizations, %[1]sentries, %[1]spools", prefix))
	})
	return s
}

func TestStore(t *testing.T) {
	pool := newTestPool(t)
	storetest.Run(t, func(t *testing.T) quotaledger.Store {
		return newTestStore(t, pool)
	})
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure schema: %v", err)
	}
}

func TestUpdatePool_CheckConstraint(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	_, err := store.UpsertPool(ctx, quotaledger.Pool{UserID: "alice"})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx quotaledger.Tx) error {
		pools, err := tx.LockUserPools(ctx, "alice")
		if err != nil {
			return err
		}
		pools[0].Used = decimal.NewFromInt(-1)
		return tx.UpdatePool(ctx, pools[0])
	})
	require.ErrorIs(t, err, quotaledger.ErrInvariantViolation)
}
