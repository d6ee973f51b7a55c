package quotaledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ql "github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/policy"
	"github.com/ineyio/quotaledger/quota"
)

type recordingMeter struct {
	mu       sync.Mutex
	reserves []ql.ReserveEvent
	settles  []ql.SettleEvent
	releases []ql.ReleaseEvent
}

func (m *recordingMeter) OnReserve(e ql.ReserveEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves = append(m.reserves, e)
}

func (m *recordingMeter) OnSettle(e ql.SettleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settles = append(m.settles, e)
}

func (m *recordingMeter) OnRelease(e ql.ReleaseEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, e)
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seed creates a pool for userID and credits it with amount.
func seed(t *testing.T, store ql.Store, l *ql.Ledger, userID string, pool ql.Pool, amount string) ql.Pool {
	t.Helper()
	ctx := context.Background()
	pool.UserID = userID
	p, err := store.UpsertPool(ctx, pool)
	require.NoError(t, err)
	_, err = l.Increase(ctx, ql.IncreaseRequest{UserID: userID, PackageID: pool.PackageID, Amount: dec(amount)})
	require.NoError(t, err)
	return p
}

func TestNewLedger_RequiresStore(t *testing.T) {
	_, err := ql.NewLedger(nil)
	assert.Error(t, err)
}

func TestLedger_MeterEvents(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	m := &recordingMeter{}
	l, err := ql.NewLedger(store, ql.WithMeter(m))
	require.NoError(t, err)

	seed(t, store, l, "u1", ql.Pool{PackageID: ql.StringPtr("a"), Priority: 2}, "10")
	seed(t, store, l, "u1", ql.Pool{PackageID: ql.StringPtr("b"), Priority: 1}, "10")

	auth, err := l.Reserve(ctx, ql.ReserveRequest{UserID: "u1", ModelID: "m", Amount: dec("15")})
	require.NoError(t, err)

	_, err = l.Settle(ctx, ql.SettleRequest{CallToken: auth.CallToken, RequestID: "r1", ActualCost: dec("12"), Outcome: ql.OutcomeSuccess})
	require.NoError(t, err)

	other, err := l.Reserve(ctx, ql.ReserveRequest{UserID: "u1", ModelID: "m", Amount: dec("4")})
	require.NoError(t, err)
	_, err = l.Cancel(ctx, other.CallToken, "u1")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, ql.ReserveRequest{UserID: "u1", ModelID: "m", Amount: dec("100")})
	require.ErrorIs(t, err, ql.ErrInsufficientQuota)

	require.Len(t, m.reserves, 3)
	assert.True(t, m.reserves[0].Success)
	assert.Equal(t, 2, m.reserves[0].Pools)
	assert.Equal(t, "m", m.reserves[0].ModelID)
	assert.False(t, m.reserves[2].Success)
	assert.ErrorIs(t, m.reserves[2].Error, ql.ErrInsufficientQuota)

	require.Len(t, m.settles, 1)
	assert.True(t, m.settles[0].Success)
	assert.Equal(t, "r1", m.settles[0].RequestID)
	assert.True(t, m.settles[0].Frozen.Equal(dec("15")))
	assert.True(t, m.settles[0].Result.Refunded.Equal(dec("3")))

	require.Len(t, m.releases, 1)
	assert.Equal(t, ql.StatusRevoked, m.releases[0].Status)
	assert.True(t, m.releases[0].Amount.Equal(dec("4")))
	assert.Equal(t, "u1", m.releases[0].ActorID)
}

func TestLedger_ClockAndTTL(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	l, err := ql.NewLedger(store,
		ql.WithClock(func() time.Time { return epoch }),
		ql.WithTTL(90*time.Second),
	)
	require.NoError(t, err)
	seed(t, store, l, "u1", ql.Pool{}, "5")

	auth, err := l.Reserve(ctx, ql.ReserveRequest{UserID: "u1", ModelID: "m", Amount: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, epoch, auth.CreatedAt)
	assert.Equal(t, epoch.Add(90*time.Second), auth.ExpiresAt)
	assert.Equal(t, ql.StatusActive, auth.Status)
}

func TestLedger_SettleAfterDeadlineReportsRelease(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	m := &recordingMeter{}
	var mu sync.Mutex
	now := epoch
	l, err := ql.NewLedger(store,
		ql.WithMeter(m),
		ql.WithTTL(time.Minute),
		ql.WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}),
	)
	require.NoError(t, err)
	seed(t, store, l, "u1", ql.Pool{}, "10")

	auth, err := l.Reserve(ctx, ql.ReserveRequest{UserID: "u1", ModelID: "m", Amount: dec("4")})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	_, err = l.Settle(ctx, ql.SettleRequest{CallToken: auth.CallToken, RequestID: "r1", ActualCost: dec("4"), Outcome: ql.OutcomeSuccess})
	require.ErrorIs(t, err, ql.ErrExpired)

	require.Len(t, m.releases, 1)
	assert.Equal(t, ql.StatusExpired, m.releases[0].Status)
	assert.True(t, m.releases[0].Amount.Equal(dec("4")))
	assert.Equal(t, "u1", m.releases[0].UserID)

	require.Len(t, m.settles, 1)
	assert.False(t, m.settles[0].Success)

	// Settling again finds it expired and releases nothing more.
	_, err = l.Settle(ctx, ql.SettleRequest{CallToken: auth.CallToken, RequestID: "r1", ActualCost: dec("4"), Outcome: ql.OutcomeSuccess})
	require.ErrorIs(t, err, ql.ErrExpired)
	assert.Len(t, m.releases, 1)
}

func TestLedger_TokenGenerator(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	l, err := ql.NewLedger(store, ql.WithTokenGenerator(func() (string, error) { return "qlt_fixed", nil }))
	require.NoError(t, err)
	seed(t, store, l, "u1", ql.Pool{}, "5")

	auth, err := l.Reserve(ctx, ql.ReserveRequest{UserID: "u1", ModelID: "m", Amount: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, "qlt_fixed", auth.CallToken)

	got, err := l.Authorization(ctx, "qlt_fixed")
	require.NoError(t, err)
	assert.Equal(t, auth.ID, got.ID)
}

func TestLedger_TokenGeneratorError(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	boom := errors.New("entropy exhausted")
	l, err := ql.NewLedger(store, ql.WithTokenGenerator(func() (string, error) { return "", boom }))
	require.NoError(t, err)
	seed(t, store, l, "u1", ql.Pool{}, "5")

	_, err = l.Reserve(ctx, ql.ReserveRequest{UserID: "u1", ModelID: "m", Amount: dec("1")})
	assert.ErrorIs(t, err, boom)

	pools, err := l.Pools(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, pools[0].Available.Equal(dec("5")))
}

func TestLedger_ExpiryFirstPolicy(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	l, err := ql.NewLedger(store,
		ql.WithPolicy(&policy.ExpiryFirstPolicy{}),
		ql.WithClock(func() time.Time { return epoch }),
	)
	require.NoError(t, err)

	soon := epoch.Add(24 * time.Hour)
	high := seed(t, store, l, "u1", ql.Pool{PackageID: ql.StringPtr("high"), Priority: 10}, "10")
	expiring := seed(t, store, l, "u1", ql.Pool{PackageID: ql.StringPtr("expiring"), ExpiresAt: &soon}, "10")

	auth, err := l.Reserve(ctx, ql.ReserveRequest{UserID: "u1", ModelID: "m", Amount: dec("12")})
	require.NoError(t, err)
	require.Len(t, auth.Contributions, 2)
	assert.Equal(t, expiring.ID, auth.Contributions[0].PoolID)
	assert.True(t, auth.Contributions[0].Amount.Equal(dec("10")))
	assert.Equal(t, high.ID, auth.Contributions[1].PoolID)
	assert.True(t, auth.Contributions[1].Amount.Equal(dec("2")))
}

func TestLedger_ErrorsCarryOperation(t *testing.T) {
	ctx := context.Background()
	l, err := ql.NewLedger(quota.NewMemoryStore())
	require.NoError(t, err)

	_, err = l.Settle(ctx, ql.SettleRequest{CallToken: "qlt_missing_token", RequestID: "r1", ActualCost: dec("1"), Outcome: ql.OutcomeSuccess})
	require.ErrorIs(t, err, ql.ErrNotFound)

	var le *ql.LedgerError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "settle", le.Op)
	assert.Equal(t, "r1", le.RequestID)
	assert.False(t, ql.IsRetryable(err))
}

func TestLedger_IncreaseRequiresPool(t *testing.T) {
	l, err := ql.NewLedger(quota.NewMemoryStore())
	require.NoError(t, err)

	_, err = l.Increase(context.Background(), ql.IncreaseRequest{UserID: "ghost", Amount: dec("1")})
	assert.ErrorIs(t, err, ql.ErrNotFound)
}
