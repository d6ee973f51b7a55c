package reaper_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
	"github.com/ineyio/quotaledger/quota"
	"github.com/ineyio/quotaledger/reaper"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeSweeper returns queued reports, one per call.
type fakeSweeper struct {
	mu      sync.Mutex
	reports []quotaledger.ReapReport
	errs    []error
	limits  []int
	cursors []quotaledger.ExpiryCursor
}

func (f *fakeSweeper) ReapExpiredAfter(_ context.Context, after quotaledger.ExpiryCursor, limit int) (quotaledger.ReapReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	f.cursors = append(f.cursors, after)
	if len(f.reports) == 0 {
		return quotaledger.ReapReport{Released: decimal.Zero}, nil
	}
	r := f.reports[0]
	f.reports = f.reports[1:]
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	return r, err
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limits)
}

type fakeLease struct {
	held     bool
	err      error
	released int
}

func (l *fakeLease) Acquire(context.Context) (bool, error) {
	return !l.held, l.err
}

func (l *fakeLease) Release(context.Context) error {
	l.released++
	return nil
}

func report(scanned, expired int, released string) quotaledger.ReapReport {
	return quotaledger.ReapReport{
		Scanned:  scanned,
		Expired:  expired,
		Released: decimal.RequireFromString(released),
	}
}

func TestRunOnce_DrainsFullBatches(t *testing.T) {
	s := &fakeSweeper{reports: []quotaledger.ReapReport{
		report(2, 2, "10"),
		report(2, 1, "5"),
		report(1, 1, "1.5"),
	}}
	r := reaper.New(s, reaper.WithBatchSize(2), reaper.WithLogger(discard))

	total, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.calls())
	assert.Equal(t, []int{2, 2, 2}, s.limits)
	assert.Equal(t, 5, total.Scanned)
	assert.Equal(t, 4, total.Expired)
	assert.True(t, decimal.RequireFromString("16.5").Equal(total.Released))
}

func TestRunOnce_ContinuesPastFailedBatch(t *testing.T) {
	boom := errors.New("boom")
	first := report(2, 1, "3")
	first.Failed = 1
	first.Next = quotaledger.ExpiryCursor{ExpiresAt: time.Unix(100, 0), CallToken: "b"}
	second := report(2, 2, "4")
	second.Next = quotaledger.ExpiryCursor{ExpiresAt: time.Unix(200, 0), CallToken: "d"}
	s := &fakeSweeper{
		reports: []quotaledger.ReapReport{first, second, report(0, 0, "0")},
		errs:    []error{boom, nil, nil},
	}
	r := reaper.New(s, reaper.WithBatchSize(2), reaper.WithLogger(discard))

	total, err := r.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, s.calls())
	assert.Equal(t, []quotaledger.ExpiryCursor{{}, first.Next, second.Next}, s.cursors)
	assert.Equal(t, 3, total.Expired)
	assert.Equal(t, 1, total.Failed)
	assert.True(t, decimal.NewFromInt(7).Equal(total.Released))
}

func TestRunOnce_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &fakeSweeper{
		reports: []quotaledger.ReapReport{report(2, 0, "0"), report(2, 2, "4")},
		errs:    []error{context.Canceled},
	}
	r := reaper.New(s, reaper.WithBatchSize(2), reaper.WithLogger(discard))

	_, err := r.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.calls())
}

func TestRunOnce_SkipsWithoutLease(t *testing.T) {
	s := &fakeSweeper{reports: []quotaledger.ReapReport{report(1, 1, "1")}}
	lease := &fakeLease{held: true}
	r := reaper.New(s, reaper.WithLease(lease), reaper.WithLogger(discard))

	total, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, s.calls())
	assert.Equal(t, 0, total.Scanned)
	assert.Equal(t, 0, lease.released)
}

func TestRunOnce_ReleasesLease(t *testing.T) {
	s := &fakeSweeper{}
	lease := &fakeLease{}
	r := reaper.New(s, reaper.WithLease(lease), reaper.WithLogger(discard))

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.calls())
	assert.Equal(t, 1, lease.released)
}

func TestRunOnce_LeaseError(t *testing.T) {
	s := &fakeSweeper{}
	r := reaper.New(s, reaper.WithLease(&fakeLease{err: errors.New("redis down")}), reaper.WithLogger(discard))

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, s.calls())
}

func TestStart_InvalidSchedule(t *testing.T) {
	r := reaper.New(&fakeSweeper{}, reaper.WithSchedule("every now and then"), reaper.WithLogger(discard))
	require.Error(t, r.Start(context.Background()))
}

func TestStart_SweepsOnSchedule(t *testing.T) {
	s := &fakeSweeper{}
	r := reaper.New(s, reaper.WithSchedule("@every 1s"), reaper.WithLogger(discard))

	require.NoError(t, r.Start(context.Background()))
	require.Error(t, r.Start(context.Background()))

	assert.Eventually(t, func() bool { return s.calls() > 0 }, 3*time.Second, 50*time.Millisecond)
	r.Stop()
	r.Stop()
}

func TestRunOnce_ExpiresLedgerReservations(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	store := quota.NewMemoryStore()
	ledger, err := quotaledger.NewLedger(store,
		quotaledger.WithClock(clock),
		quotaledger.WithTTL(time.Second),
		quotaledger.WithLogger(discard),
	)
	require.NoError(t, err)

	_, err = store.UpsertPool(ctx, quotaledger.Pool{UserID: "alice"})
	require.NoError(t, err)
	_, err = ledger.Increase(ctx, quotaledger.IncreaseRequest{UserID: "alice", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	var tokens []string
	for i := 0; i < 5; i++ {
		auth, err := ledger.Reserve(ctx, quotaledger.ReserveRequest{
			UserID:  "alice",
			ModelID: "gpt-4o-mini",
			Amount:  decimal.NewFromInt(10),
		})
		require.NoError(t, err)
		tokens = append(tokens, auth.CallToken)
	}

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	r := reaper.New(ledger, reaper.WithBatchSize(2), reaper.WithLogger(discard))
	total, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, total.Expired)
	assert.True(t, decimal.NewFromInt(50).Equal(total.Released))

	for _, token := range tokens {
		auth, err := ledger.Authorization(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, quotaledger.StatusExpired, auth.Status)
	}
	pools, err := ledger.Pools(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.True(t, decimal.NewFromInt(100).Equal(pools[0].Available))
	assert.True(t, pools[0].Frozen.IsZero())
}

// stuckStore fails every expiry of one authorization.
type stuckStore struct {
	quotaledger.Store
	callToken string
}

func (s stuckStore) WithTx(ctx context.Context, fn func(tx quotaledger.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx quotaledger.Tx) error {
		return fn(stuckTx{Tx: tx, callToken: s.callToken})
	})
}

type stuckTx struct {
	quotaledger.Tx
	callToken string
}

func (t stuckTx) LockAuthorization(ctx context.Context, callToken string) (quotaledger.Authorization, error) {
	if callToken == t.callToken {
		return quotaledger.Authorization{}, errors.New("row lock timeout")
	}
	return t.Tx.LockAuthorization(ctx, callToken)
}

func TestRunOnce_FailingAuthorizationDoesNotBlockLaterOnes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	mem := quota.NewMemoryStore()
	_, err := mem.UpsertPool(ctx, quotaledger.Pool{UserID: "alice"})
	require.NoError(t, err)
	setup, err := quotaledger.NewLedger(mem,
		quotaledger.WithClock(clock),
		quotaledger.WithTTL(time.Second),
		quotaledger.WithLogger(discard),
	)
	require.NoError(t, err)
	_, err = setup.Increase(ctx, quotaledger.IncreaseRequest{UserID: "alice", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	var tokens []string
	for i := 0; i < 4; i++ {
		auth, err := setup.Reserve(ctx, quotaledger.ReserveRequest{
			UserID:  "alice",
			ModelID: "gpt-4o-mini",
			Amount:  decimal.NewFromInt(5),
		})
		require.NoError(t, err)
		tokens = append(tokens, auth.CallToken)
		advance(time.Millisecond)
	}
	advance(2 * time.Second)

	// The oldest reservation can never be expired, and the batch holds one.
	ledger, err := quotaledger.NewLedger(stuckStore{Store: mem, callToken: tokens[0]},
		quotaledger.WithClock(clock),
		quotaledger.WithLogger(discard),
	)
	require.NoError(t, err)
	r := reaper.New(ledger, reaper.WithBatchSize(1), reaper.WithLogger(discard))

	total, err := r.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, total.Failed)
	assert.Equal(t, 3, total.Expired)
	assert.True(t, decimal.NewFromInt(15).Equal(total.Released))

	for i, token := range tokens {
		auth, err := ledger.Authorization(ctx, token)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, quotaledger.StatusActive, auth.Status)
			continue
		}
		assert.Equal(t, quotaledger.StatusExpired, auth.Status)
	}
}
