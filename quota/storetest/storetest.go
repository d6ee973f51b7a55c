// Package storetest is a conformance suite for quotaledger.Store
// implementations. Each store package runs it from its own tests:
//
//	func TestStore(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) quotaledger.Store { return newStore(t) })
//	}
package storetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) quotaledger.Store

// Run runs the full suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"ReservePriorityOrdering", testReservePriorityOrdering},
		{"ReserveMultiPoolSplit", testReserveMultiPoolSplit},
		{"ReserveInvalidAmount", testReserveInvalidAmount},
		{"ReserveNoPools", testReserveNoPools},
		{"ReserveSkipsIneligiblePools", testReserveSkipsIneligiblePools},
		{"ReserveInsufficientRollsBack", testReserveInsufficientRollsBack},
		{"CancelReleasesReservation", testCancelReleasesReservation},
		{"CancelByOtherUserForbidden", testCancelByOtherUserForbidden},
		{"RevokeByAdmin", testRevokeByAdmin},
		{"ReapExpiresAfterTTL", testReapExpiresAfterTTL},
		{"ReapSkipsFinalizedAuthorization", testReapSkipsFinalizedAuthorization},
		{"ReapPagesByDeadlineAndToken", testReapPagesByDeadlineAndToken},
		{"ReapResumesPastFailedAuthorization", testReapResumesPastFailedAuthorization},
		{"TerminalTransitionRace", testTerminalTransitionRace},
		{"SettleRefund", testSettleRefund},
		{"SettleRefundReverseOrder", testSettleRefundReverseOrder},
		{"SettleAdditionalCost", testSettleAdditionalCost},
		{"SettleExactCost", testSettleExactCost},
		{"SettleFailureReleases", testSettleFailureReleases},
		{"SettleShortfallCommits", testSettleShortfallCommits},
		{"SettleIdempotentReplay", testSettleIdempotentReplay},
		{"SettleDuplicateRequestID", testSettleDuplicateRequestID},
		{"ConcurrentSettleSameRequestID", testConcurrentSettleSameRequestID},
		{"SettleAfterDeadline", testSettleAfterDeadline},
		{"SettleAfterCancel", testSettleAfterCancel},
		{"SettleUnknownToken", testSettleUnknownToken},
		{"SettleValidation", testSettleValidation},
		{"ConcurrentReservesNeverOverFreeze", testConcurrentReserves},
		{"ConservationAndEntryChain", testConservationAndEntryChain},
		{"IncreaseIdempotentPerOrder", testIncreaseIdempotentPerOrder},
		{"UpsertPoolKeepsBalances", testUpsertPoolKeepsBalances},
		{"UpsertPoolRejectsEmptyPackage", testUpsertPoolRejectsEmptyPackage},
		{"EntriesFilter", testEntriesFilter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, newStore) })
	}
}

const model = "gpt-4o-mini"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to now.
func NewClock(now time.Time) *Clock { return &Clock{now: now} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	t      *testing.T
	ctx    context.Context
	store  quotaledger.Store
	ledger *quotaledger.Ledger
	clock  *Clock
}

func newEnv(t *testing.T, newStore Factory, opts ...quotaledger.Option) *env {
	t.Helper()
	e := &env{
		t:     t,
		ctx:   context.Background(),
		store: newStore(t),
		clock: NewClock(epoch),
	}
	opts = append([]quotaledger.Option{
		quotaledger.WithClock(e.clock.Now),
		quotaledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	l, err := quotaledger.NewLedger(e.store, opts...)
	require.NoError(t, err)
	e.ledger = l
	return e
}

// pool creates a pool and funds it with balance.
func (e *env) pool(userID string, pkg *string, priority int, balance string, models ...string) quotaledger.Pool {
	e.t.Helper()
	p, err := e.store.UpsertPool(e.ctx, quotaledger.Pool{
		UserID:    userID,
		PackageID: pkg,
		Priority:  priority,
		Models:    models,
	})
	require.NoError(e.t, err)
	if balance != "0" {
		_, err = e.ledger.Increase(e.ctx, quotaledger.IncreaseRequest{
			UserID:    userID,
			PackageID: pkg,
			Amount:    dec(balance),
		})
		require.NoError(e.t, err)
	}
	return e.get(p.ID)
}

func (e *env) get(poolID int64) quotaledger.Pool {
	e.t.Helper()
	for _, userID := range []string{"alice", "bob"} {
		pools, err := e.store.Pools(e.ctx, userID)
		require.NoError(e.t, err)
		for _, p := range pools {
			if p.ID == poolID {
				return p
			}
		}
	}
	e.t.Fatalf("pool %d not found", poolID)
	return quotaledger.Pool{}
}

func (e *env) reserve(userID, amount string) quotaledger.Authorization {
	e.t.Helper()
	auth, err := e.ledger.Reserve(e.ctx, quotaledger.ReserveRequest{
		UserID:  userID,
		ModelID: model,
		Amount:  dec(amount),
	})
	require.NoError(e.t, err)
	return auth
}

func (e *env) settle(auth quotaledger.Authorization, requestID, cost string) (quotaledger.SettlementResult, error) {
	return e.ledger.Settle(e.ctx, quotaledger.SettleRequest{
		CallToken:  auth.CallToken,
		RequestID:  requestID,
		ActualCost: dec(cost),
		Outcome:    quotaledger.OutcomeSuccess,
	})
}

// balances asserts available, frozen and used of a pool.
func (e *env) balances(poolID int64, available, frozen, used string) {
	e.t.Helper()
	p := e.get(poolID)
	assertDec(e.t, available, p.Available, "pool %d available", poolID)
	assertDec(e.t, frozen, p.Frozen, "pool %d frozen", poolID)
	assertDec(e.t, used, p.Used, "pool %d used", poolID)
}

func (e *env) status(auth quotaledger.Authorization) quotaledger.AuthStatus {
	e.t.Helper()
	got, err := e.ledger.Authorization(e.ctx, auth.CallToken)
	require.NoError(e.t, err)
	return got.Status
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !dec(want).Equal(got) {
		assert.Fail(t, fmt.Sprintf("want %s, got %s", want, got), msgAndArgs...)
	}
}

func testReservePriorityOrdering(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	high := e.pool("alice", quotaledger.StringPtr("pro"), 10, "5")
	low := e.pool("alice", quotaledger.StringPtr("basic"), 5, "100")

	auth := e.reserve("alice", "3")

	require.Len(t, auth.Contributions, 1)
	assert.Equal(t, high.ID, auth.Contributions[0].PoolID)
	assertDec(t, "3", auth.FrozenQuota)
	assert.Equal(t, quotaledger.StatusActive, auth.Status)
	assert.Equal(t, epoch.Add(quotaledger.DefaultAuthorizationTTL), auth.ExpiresAt)
	assert.NotEmpty(t, auth.CallToken)

	e.balances(high.ID, "2", "3", "0")
	e.balances(low.ID, "100", "0", "0")
}

func testReserveMultiPoolSplit(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	high := e.pool("alice", quotaledger.StringPtr("pro"), 10, "2")
	low := e.pool("alice", quotaledger.StringPtr("basic"), 5, "100")

	auth := e.reserve("alice", "5")

	require.Len(t, auth.Contributions, 2)
	assert.Equal(t, high.ID, auth.Contributions[0].PoolID)
	assertDec(t, "2", auth.Contributions[0].Amount)
	assert.Equal(t, low.ID, auth.Contributions[1].PoolID)
	assertDec(t, "3", auth.Contributions[1].Amount)

	e.balances(high.ID, "0", "2", "0")
	e.balances(low.ID, "95", "3", "0")

	stored, err := e.ledger.Authorization(e.ctx, auth.CallToken)
	require.NoError(t, err)
	assert.Equal(t, auth.PoolIDs(), stored.PoolIDs())
}

func testReserveInvalidAmount(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")

	for _, amount := range []string{"0", "-1"} {
		_, err := e.ledger.Reserve(e.ctx, quotaledger.ReserveRequest{
			UserID:  "alice",
			ModelID: model,
			Amount:  dec(amount),
		})
		require.ErrorIs(t, err, quotaledger.ErrInvalidAmount, amount)
	}
	e.balances(p.ID, "100", "0", "0")
}

func testReserveNoPools(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)

	_, err := e.ledger.Reserve(e.ctx, quotaledger.ReserveRequest{
		UserID:  "alice",
		ModelID: model,
		Amount:  dec("1"),
	})
	require.ErrorIs(t, err, quotaledger.ErrInsufficientQuota)
}

func testReserveSkipsIneligiblePools(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	expired := e.pool("alice", quotaledger.StringPtr("trial"), 20, "100")
	past := epoch.Add(-time.Hour)
	_, err := e.store.UpsertPool(e.ctx, quotaledger.Pool{
		UserID:    "alice",
		PackageID: quotaledger.StringPtr("trial"),
		Priority:  20,
		ExpiresAt: &past,
	})
	require.NoError(t, err)
	other := e.pool("alice", quotaledger.StringPtr("vision"), 10, "100", "gpt-4o")
	fallback := e.pool("alice", nil, 0, "50")

	auth := e.reserve("alice", "10")

	require.Len(t, auth.Contributions, 1)
	assert.Equal(t, fallback.ID, auth.Contributions[0].PoolID)
	e.balances(expired.ID, "100", "0", "0")
	e.balances(other.ID, "100", "0", "0")
	e.balances(fallback.ID, "40", "10", "0")
}

func testReserveInsufficientRollsBack(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	a := e.pool("alice", quotaledger.StringPtr("pro"), 10, "2")
	b := e.pool("alice", nil, 0, "3")

	_, err := e.ledger.Reserve(e.ctx, quotaledger.ReserveRequest{
		UserID:  "alice",
		ModelID: model,
		Amount:  dec("10"),
	})
	require.ErrorIs(t, err, quotaledger.ErrInsufficientQuota)
	assert.False(t, quotaledger.IsRetryable(err))

	e.balances(a.ID, "2", "0", "0")
	e.balances(b.ID, "3", "0", "0")

	freezes, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{UserID: "alice", Type: quotaledger.EntryFreeze})
	require.NoError(t, err)
	assert.Empty(t, freezes)
}

func testCancelReleasesReservation(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	high := e.pool("alice", quotaledger.StringPtr("pro"), 10, "2")
	low := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "5")

	res, err := e.ledger.Cancel(e.ctx, auth.CallToken, "alice")
	require.NoError(t, err)
	assert.Equal(t, quotaledger.StatusRevoked, res.Status)
	assertDec(t, "5", res.Refunded)

	e.balances(high.ID, "2", "0", "0")
	e.balances(low.ID, "100", "0", "0")
	assert.Equal(t, quotaledger.StatusRevoked, e.status(auth))

	unfreezes, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{AuthorizationID: auth.ID, Type: quotaledger.EntryUnfreeze})
	require.NoError(t, err)
	require.Len(t, unfreezes, 2)
	for _, entry := range unfreezes {
		assert.Equal(t, quotaledger.ReasonCancel, entry.Reason)
	}

	_, err = e.ledger.Cancel(e.ctx, auth.CallToken, "alice")
	require.ErrorIs(t, err, quotaledger.ErrNotActive)
}

func testCancelByOtherUserForbidden(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	_, err := e.ledger.Cancel(e.ctx, auth.CallToken, "bob")
	require.ErrorIs(t, err, quotaledger.ErrForbidden)

	e.balances(p.ID, "90", "10", "0")
	assert.Equal(t, quotaledger.StatusActive, e.status(auth))
}

func testRevokeByAdmin(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	res, err := e.ledger.Revoke(e.ctx, auth.CallToken, "admin-7")
	require.NoError(t, err)
	assertDec(t, "10", res.Refunded)
	e.balances(p.ID, "100", "0", "0")

	stored, err := e.ledger.Authorization(e.ctx, auth.CallToken)
	require.NoError(t, err)
	assert.Equal(t, quotaledger.StatusRevoked, stored.Status)
	require.NotNil(t, stored.ActorID)
	assert.Equal(t, "admin-7", *stored.ActorID)
	require.NotNil(t, stored.FinalizedAt)
}

func testReapExpiresAfterTTL(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore, quotaledger.WithTTL(time.Second))
	high := e.pool("alice", quotaledger.StringPtr("pro"), 10, "4")
	low := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")
	other := e.reserve("alice", "1")
	_, err := e.settle(other, "req-other", "1")
	require.NoError(t, err)

	e.clock.Advance(500 * time.Millisecond)
	report, err := e.ledger.ReapExpired(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)
	assert.Equal(t, quotaledger.StatusActive, e.status(auth))

	e.clock.Advance(time.Second)
	report, err = e.ledger.ReapExpired(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Expired)
	assertDec(t, "10", report.Released)

	assert.Equal(t, quotaledger.StatusExpired, e.status(auth))
	e.balances(high.ID, "4", "0", "0")
	e.balances(low.ID, "99", "0", "1")

	entries, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{AuthorizationID: auth.ID, Type: quotaledger.EntryUnfreeze})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, quotaledger.ReasonExpire, entry.Reason)
	}

	report, err = e.ledger.ReapExpired(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
}

func testSettleRefund(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	res, err := e.settle(auth, "req-1", "6")
	require.NoError(t, err)
	assertDec(t, "6", res.ActualCost)
	assertDec(t, "4", res.Refunded)
	assertDec(t, "0", res.Additional)
	assertDec(t, "0", res.Shortfall)
	assertDec(t, "94", res.RemainingAvailable)
	assert.False(t, res.Replayed)

	e.balances(p.ID, "94", "0", "6")
	assert.Equal(t, quotaledger.StatusUsed, e.status(auth))
}

func testSettleRefundReverseOrder(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	high := e.pool("alice", quotaledger.StringPtr("pro"), 10, "2")
	low := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "5")

	res, err := e.settle(auth, "req-1", "1")
	require.NoError(t, err)
	assertDec(t, "4", res.Refunded)

	// The last pool frozen is refunded first.
	e.balances(low.ID, "100", "0", "0")
	e.balances(high.ID, "1", "0", "1")
}

func testSettleAdditionalCost(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	res, err := e.settle(auth, "req-1", "15")
	require.NoError(t, err)
	assertDec(t, "15", res.ActualCost)
	assertDec(t, "0", res.Refunded)
	assertDec(t, "5", res.Additional)
	assertDec(t, "85", res.RemainingAvailable)

	e.balances(p.ID, "85", "0", "15")

	draws, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{RequestID: "req-1", Type: quotaledger.EntryDecrease})
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, quotaledger.FieldFrozen, draws[0].Field)
	assertDec(t, "10", draws[0].Amount)
	assert.Equal(t, quotaledger.FieldAvailable, draws[1].Field)
	assert.Equal(t, quotaledger.ReasonShortfall, draws[1].Reason)
	assertDec(t, "5", draws[1].Amount)
}

func testSettleExactCost(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	res, err := e.settle(auth, "req-1", "10")
	require.NoError(t, err)
	assertDec(t, "0", res.Refunded)
	assertDec(t, "0", res.Additional)
	e.balances(p.ID, "90", "0", "10")
}

func testSettleFailureReleases(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	res, err := e.ledger.Settle(e.ctx, quotaledger.SettleRequest{
		CallToken:  auth.CallToken,
		RequestID:  "req-1",
		ActualCost: dec("7"),
		Outcome:    quotaledger.OutcomeFailure,
	})
	require.NoError(t, err)
	assertDec(t, "0", res.ActualCost)
	assertDec(t, "10", res.Refunded)
	assertDec(t, "100", res.RemainingAvailable)

	e.balances(p.ID, "100", "0", "0")
	assert.Equal(t, quotaledger.StatusUsed, e.status(auth))
}

func testSettleShortfallCommits(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "12")
	auth := e.reserve("alice", "10")

	res, err := e.settle(auth, "req-1", "15")
	require.ErrorIs(t, err, quotaledger.ErrInsufficientQuota)
	assertDec(t, "15", res.ActualCost)
	assertDec(t, "0", res.Additional)
	assertDec(t, "5", res.Shortfall)
	assertDec(t, "2", res.RemainingAvailable)

	// The reserved amount stays consumed and the token is spent.
	e.balances(p.ID, "2", "0", "10")
	assert.Equal(t, quotaledger.StatusUsed, e.status(auth))

	replay, err := e.settle(auth, "req-1", "15")
	require.ErrorIs(t, err, quotaledger.ErrInsufficientQuota)
	assert.True(t, replay.Replayed)
	assertDec(t, "5", replay.Shortfall)
	e.balances(p.ID, "2", "0", "10")
}

func testSettleIdempotentReplay(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	first, err := e.settle(auth, "req-1", "6")
	require.NoError(t, err)
	before, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{UserID: "alice"})
	require.NoError(t, err)

	second, err := e.settle(auth, "req-1", "6")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assertDec(t, first.Refunded.String(), second.Refunded)
	assertDec(t, first.ActualCost.String(), second.ActualCost)
	assertDec(t, first.RemainingAvailable.String(), second.RemainingAvailable)

	after, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	e.balances(p.ID, "94", "0", "6")

	_, err = e.settle(auth, "req-2", "6")
	require.ErrorIs(t, err, quotaledger.ErrAlreadySettled)
}

func testSettleDuplicateRequestID(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	e.pool("alice", nil, 0, "100")
	a := e.reserve("alice", "10")
	b := e.reserve("alice", "10")

	_, err := e.settle(a, "req-1", "5")
	require.NoError(t, err)

	_, err = e.settle(b, "req-1", "5")
	require.ErrorIs(t, err, quotaledger.ErrDuplicateRequest)
	assert.Equal(t, quotaledger.StatusActive, e.status(b))
}

func testSettleAfterDeadline(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore, quotaledger.WithTTL(time.Second))
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	e.clock.Advance(2 * time.Second)
	_, err := e.settle(auth, "req-1", "6")
	require.ErrorIs(t, err, quotaledger.ErrExpired)

	// The reservation is released even though the reaper never ran.
	assert.Equal(t, quotaledger.StatusExpired, e.status(auth))
	e.balances(p.ID, "100", "0", "0")

	_, err = e.settle(auth, "req-2", "6")
	require.ErrorIs(t, err, quotaledger.ErrExpired)
}

func testSettleAfterCancel(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")
	_, err := e.ledger.Cancel(e.ctx, auth.CallToken, "alice")
	require.NoError(t, err)

	_, err = e.settle(auth, "req-1", "6")
	require.ErrorIs(t, err, quotaledger.ErrAlreadySettled)
	e.balances(p.ID, "100", "0", "0")
}

func testSettleUnknownToken(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	_, err := e.settle(quotaledger.Authorization{CallToken: "qlt_missing"}, "req-1", "1")
	require.ErrorIs(t, err, quotaledger.ErrNotFound)
}

func testSettleValidation(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	_, err := e.settle(auth, "", "1")
	require.ErrorIs(t, err, quotaledger.ErrInvalidRequest)

	_, err = e.settle(auth, "req-1", "-1")
	require.ErrorIs(t, err, quotaledger.ErrInvalidAmount)

	_, err = e.ledger.Settle(e.ctx, quotaledger.SettleRequest{
		CallToken: auth.CallToken,
		RequestID: "req-1",
		Outcome:   "partial",
	})
	require.ErrorIs(t, err, quotaledger.ErrInvalidRequest)
	assert.Equal(t, quotaledger.StatusActive, e.status(auth))
}

func testConcurrentReserves(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ledger.Reserve(e.ctx, quotaledger.ReserveRequest{
				UserID:  "alice",
				ModelID: model,
				Amount:  dec("7"),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			succeeded++
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, succeeded)
	for _, err := range failures {
		assert.ErrorIs(t, err, quotaledger.ErrInsufficientQuota)
	}
	e.balances(p.ID, "2", "98", "0")
}

func testConservationAndEntryChain(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore, quotaledger.WithTTL(time.Minute))
	high := e.pool("alice", quotaledger.StringPtr("pro"), 10, "30")
	low := e.pool("alice", nil, 0, "50")

	a := e.reserve("alice", "40")
	_, err := e.settle(a, "req-a", "25")
	require.NoError(t, err)

	b := e.reserve("alice", "20")
	_, err = e.ledger.Cancel(e.ctx, b.CallToken, "alice")
	require.NoError(t, err)

	c := e.reserve("alice", "10")
	_, err = e.settle(c, "req-c", "30")
	require.NoError(t, err)

	d := e.reserve("alice", "5")
	e.clock.Advance(2 * time.Minute)
	_, err = e.ledger.ReapExpired(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, quotaledger.StatusExpired, e.status(d))

	_, err = e.ledger.Increase(e.ctx, quotaledger.IncreaseRequest{UserID: "alice", Amount: dec("7"), OrderID: "order-1"})
	require.NoError(t, err)

	entries, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{UserID: "alice"})
	require.NoError(t, err)

	type state struct{ available, frozen, used, credited decimal.Decimal }
	replayed := map[int64]*state{}
	for _, entry := range entries {
		s, ok := replayed[entry.PoolID]
		if !ok {
			s = &state{}
			replayed[entry.PoolID] = s
		}
		current := s.available
		if entry.Field == quotaledger.FieldFrozen {
			current = s.frozen
		}
		assertDec(t, current.String(), entry.Before, "entry %d before", entry.ID)

		switch entry.Type {
		case quotaledger.EntryIncrease:
			s.available = s.available.Add(entry.Amount)
			s.credited = s.credited.Add(entry.Amount)
		case quotaledger.EntryFreeze:
			s.available = s.available.Sub(entry.Amount)
			s.frozen = s.frozen.Add(entry.Amount)
		case quotaledger.EntryUnfreeze:
			s.frozen = s.frozen.Sub(entry.Amount)
			s.available = s.available.Add(entry.Amount)
		case quotaledger.EntryDecrease:
			if entry.Field == quotaledger.FieldFrozen {
				s.frozen = s.frozen.Sub(entry.Amount)
			} else {
				s.available = s.available.Sub(entry.Amount)
			}
			s.used = s.used.Add(entry.Amount)
		default:
			t.Fatalf("unexpected entry type %q", entry.Type)
		}

		after := s.available
		if entry.Field == quotaledger.FieldFrozen {
			after = s.frozen
		}
		assertDec(t, after.String(), entry.After, "entry %d after", entry.ID)
		assert.True(t, entry.Amount.IsPositive())
	}

	for _, id := range []int64{high.ID, low.ID} {
		p := e.get(id)
		s := replayed[id]
		require.NotNil(t, s)
		assert.False(t, p.Available.IsNegative() || p.Frozen.IsNegative() || p.Used.IsNegative())
		assertDec(t, s.available.String(), p.Available, "pool %d available", id)
		assertDec(t, s.frozen.String(), p.Frozen, "pool %d frozen", id)
		assertDec(t, s.used.String(), p.Used, "pool %d used", id)
		// Only increases raise the total.
		assertDec(t, s.credited.String(), p.Total(), "pool %d total", id)
	}
	assertDec(t, "87", e.get(high.ID).Total().Add(e.get(low.ID).Total()))
	assertDec(t, "55", e.get(high.ID).Used.Add(e.get(low.ID).Used))
}

func testIncreaseIdempotentPerOrder(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", quotaledger.StringPtr("pro"), 10, "0")

	req := quotaledger.IncreaseRequest{
		UserID:    "alice",
		PackageID: quotaledger.StringPtr("pro"),
		Amount:    dec("25"),
		OrderID:   "order-1",
	}
	first, err := e.ledger.Increase(e.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, quotaledger.EntryIncrease, first.Type)
	assert.Equal(t, quotaledger.ReasonTopUp, first.Reason)
	require.NotNil(t, first.OrderID)

	second, err := e.ledger.Increase(e.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	e.balances(p.ID, "25", "0", "0")

	_, err = e.ledger.Increase(e.ctx, quotaledger.IncreaseRequest{
		UserID:    "alice",
		PackageID: quotaledger.StringPtr("missing"),
		Amount:    dec("1"),
	})
	require.ErrorIs(t, err, quotaledger.ErrNotFound)

	_, err = e.ledger.Increase(e.ctx, quotaledger.IncreaseRequest{UserID: "alice", Amount: dec("0")})
	require.ErrorIs(t, err, quotaledger.ErrInvalidAmount)
}

func testUpsertPoolKeepsBalances(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", quotaledger.StringPtr("pro"), 10, "40")
	expires := epoch.Add(24 * time.Hour)

	updated, err := e.store.UpsertPool(e.ctx, quotaledger.Pool{
		UserID:    "alice",
		PackageID: quotaledger.StringPtr("pro"),
		Priority:  3,
		ExpiresAt: &expires,
		Models:    []string{model},
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, updated.ID)

	got := e.get(p.ID)
	assert.Equal(t, 3, got.Priority)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	assert.Equal(t, []string{model}, got.Models)
	assertDec(t, "40", got.Available)

	def, err := e.store.UpsertPool(e.ctx, quotaledger.Pool{UserID: "alice"})
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, def.ID)
	assert.True(t, def.IsDefault())

	_, err = e.store.UpsertPool(e.ctx, quotaledger.Pool{})
	require.ErrorIs(t, err, quotaledger.ErrInvalidRequest)
}

func testEntriesFilter(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	e.pool("alice", nil, 0, "100")
	e.pool("bob", nil, 0, "100")
	auth := e.reserve("alice", "10")
	e.reserve("bob", "10")

	byAuth, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{AuthorizationID: auth.ID})
	require.NoError(t, err)
	require.Len(t, byAuth, 1)
	assert.Equal(t, quotaledger.EntryFreeze, byAuth[0].Type)
	assert.Equal(t, quotaledger.ReasonReserve, byAuth[0].Reason)

	bobs, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{UserID: "bob"})
	require.NoError(t, err)
	require.Len(t, bobs, 2)
	assert.Equal(t, quotaledger.EntryIncrease, bobs[0].Type)
	assert.Less(t, bobs[0].ID, bobs[1].ID)

	limited, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{Type: quotaledger.EntryIncrease, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = e.store.Authorization(e.ctx, "qlt_missing")
	assert.True(t, errors.Is(err, quotaledger.ErrNotFound))
}

// listHookStore runs afterList once the expiry scan has returned.
type listHookStore struct {
	quotaledger.Store
	afterList func()
}

func (s listHookStore) ExpiredAuthorizations(ctx context.Context, now time.Time, after quotaledger.ExpiryCursor, limit int) ([]quotaledger.ExpiryCursor, error) {
	expired, err := s.Store.ExpiredAuthorizations(ctx, now, after, limit)
	if err == nil && s.afterList != nil {
		s.afterList()
	}
	return expired, err
}

// lockFailStore fails every attempt to lock one authorization.
type lockFailStore struct {
	quotaledger.Store
	callToken string
}

func (s lockFailStore) WithTx(ctx context.Context, fn func(tx quotaledger.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx quotaledger.Tx) error {
		return fn(lockFailTx{Tx: tx, callToken: s.callToken})
	})
}

type lockFailTx struct {
	quotaledger.Tx
	callToken string
}

var errLockTimeout = errors.New("lock timeout")

func (t lockFailTx) LockAuthorization(ctx context.Context, callToken string) (quotaledger.Authorization, error) {
	if callToken == t.callToken {
		return quotaledger.Authorization{}, errLockTimeout
	}
	return t.Tx.LockAuthorization(ctx, callToken)
}

func (e *env) ledgerOn(store quotaledger.Store) *quotaledger.Ledger {
	e.t.Helper()
	l, err := quotaledger.NewLedger(store,
		quotaledger.WithClock(e.clock.Now),
		quotaledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(e.t, err)
	return l
}

func testReapSkipsFinalizedAuthorization(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore, quotaledger.WithTTL(time.Second))
	p := e.pool("alice", nil, 0, "10")
	auth := e.reserve("alice", "4")
	e.clock.Advance(2 * time.Second)

	// The owner cancels between the scan and the expiry.
	reaper := e.ledgerOn(listHookStore{Store: e.store, afterList: func() {
		_, err := e.ledger.Cancel(e.ctx, auth.CallToken, "alice")
		require.NoError(t, err)
	}})

	report, err := reaper.ReapExpired(e.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Expired)
	assertDec(t, "0", report.Released)

	assert.Equal(t, quotaledger.StatusRevoked, e.status(auth))
	e.balances(p.ID, "10", "0", "0")
}

func testReapPagesByDeadlineAndToken(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore, quotaledger.WithTTL(time.Second))
	e.pool("alice", nil, 0, "100")

	// Two reservations share a deadline; a third expires later.
	tied := []quotaledger.Authorization{e.reserve("alice", "1"), e.reserve("alice", "1")}
	e.clock.Advance(time.Second)
	later := e.reserve("alice", "1")
	e.clock.Advance(5 * time.Second)

	var seen []string
	var cursor quotaledger.ExpiryCursor
	for i := 0; i < 5; i++ {
		page, err := e.store.ExpiredAuthorizations(e.ctx, e.clock.Now(), cursor, 1)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		require.Len(t, page, 1)
		if !cursor.IsZero() {
			assert.True(t, cursor.Before(page[0]), "page %d went backwards", i)
		}
		cursor = page[0]
		seen = append(seen, cursor.CallToken)
	}

	require.Len(t, seen, 3)
	assert.ElementsMatch(t, []string{tied[0].CallToken, tied[1].CallToken}, seen[:2])
	assert.Less(t, seen[0], seen[1])
	assert.Equal(t, later.CallToken, seen[2])
	assert.True(t, later.ExpiresAt.Equal(cursor.ExpiresAt))
}

func testReapResumesPastFailedAuthorization(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore, quotaledger.WithTTL(time.Second))
	p := e.pool("alice", nil, 0, "10")
	stuck := e.reserve("alice", "3")
	e.clock.Advance(time.Millisecond)
	next := e.reserve("alice", "2")
	e.clock.Advance(2 * time.Second)

	reaper := e.ledgerOn(lockFailStore{Store: e.store, callToken: stuck.CallToken})

	report, err := reaper.ReapExpiredAfter(e.ctx, quotaledger.ExpiryCursor{}, 1)
	require.ErrorIs(t, err, errLockTimeout)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, stuck.CallToken, report.Next.CallToken)

	report, err = reaper.ReapExpiredAfter(e.ctx, report.Next, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assertDec(t, "2", report.Released)
	assert.Equal(t, next.CallToken, report.Next.CallToken)

	assert.Equal(t, quotaledger.StatusActive, e.status(stuck))
	assert.Equal(t, quotaledger.StatusExpired, e.status(next))
	e.balances(p.ID, "7", "3", "0")
}

func testTerminalTransitionRace(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore, quotaledger.WithTTL(time.Second))
	p := e.pool("alice", nil, 0, "10")

	for round := 0; round < 5; round++ {
		auth := e.reserve("alice", "4")
		e.clock.Advance(2 * time.Second)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			cancelled int
			reaped    int
			skipped   int
		)
		start := make(chan struct{})
		run := func(fn func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				fn()
			}()
		}
		for i := 0; i < 3; i++ {
			run(func() {
				_, err := e.settle(auth, fmt.Sprintf("req-%d-%d", round, i), "4")
				if !errors.Is(err, quotaledger.ErrExpired) {
					assert.ErrorIs(t, err, quotaledger.ErrNotActive)
				}
			})
			run(func() {
				_, err := e.ledger.Cancel(e.ctx, auth.CallToken, "alice")
				if err != nil {
					assert.ErrorIs(t, err, quotaledger.ErrNotActive)
					return
				}
				mu.Lock()
				cancelled++
				mu.Unlock()
			})
		}
		for i := 0; i < 2; i++ {
			run(func() {
				report, err := e.ledger.ReapExpired(e.ctx, 10)
				assert.NoError(t, err)
				mu.Lock()
				reaped += report.Expired
				skipped += report.Skipped
				mu.Unlock()
			})
		}
		close(start)
		wg.Wait()

		status := e.status(auth)
		assert.LessOrEqual(t, cancelled+reaped, 1, "round %d", round)
		assert.LessOrEqual(t, reaped+skipped, 2, "round %d", round)
		switch status {
		case quotaledger.StatusRevoked:
			assert.Equal(t, 1, cancelled, "round %d", round)
			assert.Equal(t, 0, reaped, "round %d", round)
		case quotaledger.StatusExpired:
			assert.Equal(t, 0, cancelled, "round %d", round)
		default:
			t.Fatalf("round %d: authorization left %s", round, status)
		}

		unfreezes, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{AuthorizationID: auth.ID, Type: quotaledger.EntryUnfreeze})
		require.NoError(t, err)
		assert.Len(t, unfreezes, 1, "round %d", round)
		e.balances(p.ID, "10", "0", "0")
	}
}

func testConcurrentSettleSameRequestID(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	p := e.pool("alice", nil, 0, "100")
	auth := e.reserve("alice", "10")

	const workers = 8
	var wg sync.WaitGroup
	results := make([]quotaledger.SettlementResult, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = e.settle(auth, "req-1", "6")
		}()
	}
	close(start)
	wg.Wait()

	original := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			original++
		}
		assertDec(t, "6", results[i].ActualCost)
		assertDec(t, "4", results[i].Refunded)
		assertDec(t, "0", results[i].Additional)
		assertDec(t, "94", results[i].RemainingAvailable)
	}
	assert.Equal(t, 1, original)
	assert.Equal(t, quotaledger.StatusUsed, e.status(auth))
	e.balances(p.ID, "94", "0", "6")

	entries, err := e.store.Entries(e.ctx, quotaledger.EntryFilter{RequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, quotaledger.EntryDecrease, entries[0].Type)
	assertDec(t, "6", entries[0].Amount)
	assert.Equal(t, quotaledger.EntryUnfreeze, entries[1].Type)
	assertDec(t, "4", entries[1].Amount)
}

func testUpsertPoolRejectsEmptyPackage(t *testing.T, newStore Factory) {
	e := newEnv(t, newStore)
	e.pool("alice", nil, 0, "5")

	_, err := e.store.UpsertPool(e.ctx, quotaledger.Pool{UserID: "alice", PackageID: quotaledger.StringPtr("")})
	require.ErrorIs(t, err, quotaledger.ErrInvalidRequest)
	_, err = e.store.UpsertPool(e.ctx, quotaledger.Pool{})
	require.ErrorIs(t, err, quotaledger.ErrInvalidRequest)

	pools, err := e.store.Pools(e.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Nil(t, pools[0].PackageID)
	assertDec(t, "5", pools[0].Available)
}
