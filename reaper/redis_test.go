//go:build integration

package reaper_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger/reaper"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLease_SingleHolder(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "test:" + t.Name() + ":lease"
	t.Cleanup(func() { client.Del(ctx, key) })

	a := reaper.NewRedisLease(client, reaper.WithLeaseKey(key), reaper.WithLeaseTTL(time.Minute))
	b := reaper.NewRedisLease(client, reaper.WithLeaseKey(key), reaper.WithLeaseTTL(time.Minute))

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b must not release a's lease.
	require.NoError(t, b.Release(ctx))
	owner, err := client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, a.Owner(), owner)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLease_Expires(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	key := "test:" + t.Name() + ":lease"
	t.Cleanup(func() { client.Del(ctx, key) })

	a := reaper.NewRedisLease(client, reaper.WithLeaseKey(key), reaper.WithLeaseTTL(100*time.Millisecond))
	b := reaper.NewRedisLease(client, reaper.WithLeaseKey(key), reaper.WithLeaseTTL(100*time.Millisecond))

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := b.Acquire(ctx)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}
