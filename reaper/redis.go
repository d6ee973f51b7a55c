package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisLease is a Lease held as a Redis key with an expiry.
//
// The key stores a per-instance owner id so that an instance never releases
// a lease that expired and was taken over by another instance.
type RedisLease struct {
	client goredis.Cmdable
	key    string
	ttl    time.Duration
	owner  string
}

var _ Lease = (*RedisLease)(nil)

// LeaseOption configures RedisLease.
type LeaseOption func(*RedisLease)

// WithLeaseKey sets the Redis key (default "quotaledger:reaper:lease").
func WithLeaseKey(key string) LeaseOption {
	return func(l *RedisLease) { l.key = key }
}

// WithLeaseTTL sets how long an acquired lease lives (default 25s). It
// should be shorter than the sweep interval and longer than a sweep.
func WithLeaseTTL(ttl time.Duration) LeaseOption {
	return func(l *RedisLease) { l.ttl = ttl }
}

// NewRedisLease creates a RedisLease.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisLease(client goredis.Cmdable, opts ...LeaseOption) *RedisLease {
	l := &RedisLease{
		client: client,
		key:    "quotaledger:reaper:lease",
		ttl:    25 * time.Second,
		owner:  uuid.New().String(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lease if nobody holds it.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("quotaledger/redis: acquire lease: %w", err)
	}
	return ok, nil
}

// releaseScript deletes the lease only if it is still ours.
// KEYS[1] = lease key
// ARGV[1] = owner id
//
// Returns:
//
//	1 = released
//	0 = not held by this owner
var releaseScript = goredis.NewScript(`
local lease_key = KEYS[1]
local owner = ARGV[1]

if redis.call("GET", lease_key) == owner then
    return redis.call("DEL", lease_key)
end
return 0
`)

// Release deletes the lease if this instance still holds it.
func (l *RedisLease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("quotaledger/redis: release lease: %w", err)
	}
	return nil
}

// Owner returns the id this instance writes into the lease key.
func (l *RedisLease) Owner() string {
	return l.owner
}
