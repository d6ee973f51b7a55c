package quotaledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultAuthorizationTTL is how long a reservation stays active when no
// TTL is configured.
const DefaultAuthorizationTTL = 10 * time.Minute

// Ledger reserves and settles spend against users' quota pools.
//
// Ledger holds no balance state of its own; every operation re-reads and
// locks the rows it touches inside a single Store transaction, so any number
// of Ledger instances may share one Store.
type Ledger struct {
	store  Store
	policy Policy
	meter  Meter
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
	token  TokenGenerator
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPolicy sets the pool ordering policy.
func WithPolicy(p Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(l *Ledger) { l.meter = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithTTL sets how long authorizations stay active.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithTokenGenerator sets the call token generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(l *Ledger) { l.token = g }
}

// NewLedger creates a Ledger on top of store.
// Default components (priority-first ordering, no-op meter, slog.Default,
// 10 minute TTL) are used unless overridden via options.
func NewLedger(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("quotaledger: store is required")
	}

	l := &Ledger{store: store}
	for _, opt := range opts {
		opt(l)
	}

	// Apply defaults after options.
	if l.policy == nil {
		l.policy = defaultPriorityPolicy{}
	}
	if l.meter == nil {
		l.meter = noopMeter{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.ttl <= 0 {
		l.ttl = DefaultAuthorizationTTL
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.token == nil {
		l.token = NewCallToken
	}

	return l, nil
}

// Reserve freezes req.Amount across the user's eligible pools and returns
// the active authorization representing the reservation.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (Authorization, error) {
	start := time.Now()
	auth, err := l.reserve(ctx, req)

	l.meter.OnReserve(ReserveEvent{
		UserID:   req.UserID,
		ModelID:  req.ModelID,
		Amount:   req.Amount,
		Pools:    len(auth.Contributions),
		Success:  err == nil,
		Duration: time.Since(start),
		Error:    err,
	})

	if err != nil {
		return Authorization{}, &LedgerError{Op: "reserve", UserID: req.UserID, Err: err}
	}

	l.logger.Debug("reserve",
		"user", req.UserID,
		"model", req.ModelID,
		"amount", req.Amount.String(),
		"pools", len(auth.Contributions),
		"authorization", auth.ID,
	)
	return auth, nil
}

func (l *Ledger) reserve(ctx context.Context, req ReserveRequest) (Authorization, error) {
	if req.UserID == "" || req.ModelID == "" {
		return Authorization{}, fmt.Errorf("%w: user and model are required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return Authorization{}, fmt.Errorf("%w: reservation amount must be positive, got %s", ErrInvalidAmount, req.Amount)
	}

	token, err := l.token()
	if err != nil {
		return Authorization{}, err
	}

	var auth Authorization
	err = l.store.WithTx(ctx, func(tx Tx) error {
		now := l.now()

		pools, err := tx.LockUserPools(ctx, req.UserID)
		if err != nil {
			return err
		}

		eligible := eligiblePools(pools, req.ModelID, now)
		if len(eligible) == 0 {
			return fmt.Errorf("%w: no eligible pools for model %s", ErrInsufficientQuota, req.ModelID)
		}

		plan, err := PlanWithdrawal(l.policy.Order(eligible), req.Amount)
		if err != nil {
			return err
		}

		auth = Authorization{
			ID:                uuid.New().String(),
			UserID:            req.UserID,
			ModelID:           req.ModelID,
			DeviceFingerprint: req.DeviceFingerprint,
			FrozenQuota:       req.Amount,
			Contributions:     plan,
			CallToken:         token,
			Status:            StatusActive,
			ExpiresAt:         now.Add(l.ttl),
			CreatedAt:         now,
		}

		byID := indexPools(pools)
		for _, c := range plan {
			_, _, err := applyDelta(ctx, tx, byID[c.PoolID], Mutation{
				Type:            EntryFreeze,
				Amount:          c.Amount,
				Reason:          ReasonReserve,
				AuthorizationID: &auth.ID,
			}, now)
			if err != nil {
				return err
			}
		}

		return tx.InsertAuthorization(ctx, auth)
	})
	if err != nil {
		return Authorization{}, err
	}
	return auth, nil
}

// Cancel releases an active reservation on behalf of its owner.
func (l *Ledger) Cancel(ctx context.Context, callToken, actorID string) (ReleaseResult, error) {
	res, err := l.revoke(ctx, callToken, actorID, ReasonCancel, true)
	if err != nil {
		return ReleaseResult{}, &LedgerError{Op: "cancel", UserID: actorID, CallToken: callToken, Err: err}
	}
	return res, nil
}

// Revoke releases an active reservation on behalf of an administrator.
func (l *Ledger) Revoke(ctx context.Context, callToken, actorID string) (ReleaseResult, error) {
	res, err := l.revoke(ctx, callToken, actorID, ReasonRevoke, false)
	if err != nil {
		return ReleaseResult{}, &LedgerError{Op: "revoke", CallToken: callToken, Err: err}
	}
	l.logger.Info("authorization revoked", "actor", actorID, "refunded", res.Refunded.String())
	return res, nil
}

func (l *Ledger) revoke(ctx context.Context, callToken, actorID, reason string, ownerOnly bool) (ReleaseResult, error) {
	if callToken == "" {
		return ReleaseResult{}, fmt.Errorf("%w: call token is required", ErrInvalidRequest)
	}

	var (
		auth     Authorization
		refunded decimal.Decimal
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		auth, err = tx.LockAuthorization(ctx, callToken)
		if err != nil {
			return err
		}
		if ownerOnly && auth.UserID != actorID {
			return fmt.Errorf("%w: authorization belongs to another user", ErrForbidden)
		}
		if _, err := auth.Status.Transition(StatusRevoked); err != nil {
			return err
		}

		now := l.now()
		pools, err := lockPoolIndex(ctx, tx, auth.UserID)
		if err != nil {
			return err
		}
		refunded, err = l.release(ctx, tx, auth, pools, reason, nil, now)
		if err != nil {
			return err
		}
		if err := auth.markRevoked(actorID, now); err != nil {
			return err
		}
		return tx.FinalizeAuthorization(ctx, auth)
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	l.meter.OnRelease(ReleaseEvent{
		UserID:  auth.UserID,
		ModelID: auth.ModelID,
		Status:  StatusRevoked,
		Amount:  refunded,
		ActorID: actorID,
	})
	return ReleaseResult{Status: StatusRevoked, Refunded: refunded}, nil
}

// ReapExpired expires up to limit active authorizations whose deadline has
// passed and returns their reservations to the originating pools. Each
// authorization is expired in its own transaction; authorizations settled
// or cancelled concurrently are skipped.
func (l *Ledger) ReapExpired(ctx context.Context, limit int) (ReapReport, error) {
	return l.ReapExpiredAfter(ctx, ExpiryCursor{}, limit)
}

// ReapExpiredAfter is ReapExpired restricted to authorizations that sort
// after the cursor. The report's Next cursor resumes the sweep past every
// authorization scanned in this batch, including ones that failed.
func (l *Ledger) ReapExpiredAfter(ctx context.Context, after ExpiryCursor, limit int) (ReapReport, error) {
	if limit <= 0 {
		limit = 100
	}

	report := ReapReport{Released: decimal.Zero, Next: after}
	batch, err := l.store.ExpiredAuthorizations(ctx, l.now(), after, limit)
	if err != nil {
		return report, &LedgerError{Op: "reap", Err: err}
	}
	report.Scanned = len(batch)
	if len(batch) > 0 {
		report.Next = batch[len(batch)-1]
	}

	var errs []error
	for _, c := range batch {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		released, err := l.expire(ctx, c.CallToken)
		switch {
		case errors.Is(err, ErrNotActive):
			report.Skipped++
		case err != nil:
			report.Failed++
			errs = append(errs, &LedgerError{Op: "expire", CallToken: c.CallToken, Err: err})
		default:
			report.Expired++
			report.Released = report.Released.Add(released)
		}
	}

	if report.Expired > 0 || len(errs) > 0 {
		l.logger.Info("reap",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"released", report.Released.String(),
		)
	}
	return report, errors.Join(errs...)
}

func (l *Ledger) expire(ctx context.Context, callToken string) (decimal.Decimal, error) {
	var (
		auth     Authorization
		released decimal.Decimal
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		auth, err = tx.LockAuthorization(ctx, callToken)
		if err != nil {
			return err
		}
		now := l.now()
		if auth.Status == StatusActive && !auth.ExpiredAt(now) {
			return fmt.Errorf("%w: authorization not yet expired", ErrNotActive)
		}
		released, err = l.expireLocked(ctx, tx, &auth, now)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}

	l.meter.OnRelease(ReleaseEvent{
		UserID:  auth.UserID,
		ModelID: auth.ModelID,
		Status:  StatusExpired,
		Amount:  released,
	})
	return released, nil
}

// expireLocked releases a locked, active authorization and marks it expired.
func (l *Ledger) expireLocked(ctx context.Context, tx Tx, auth *Authorization, now time.Time) (decimal.Decimal, error) {
	if _, err := auth.Status.Transition(StatusExpired); err != nil {
		return decimal.Zero, err
	}
	pools, err := lockPoolIndex(ctx, tx, auth.UserID)
	if err != nil {
		return decimal.Zero, err
	}
	released, err := l.release(ctx, tx, *auth, pools, ReasonExpire, nil, now)
	if err != nil {
		return decimal.Zero, err
	}
	if err := auth.markExpired(now); err != nil {
		return decimal.Zero, err
	}
	return released, tx.FinalizeAuthorization(ctx, *auth)
}

// release unfreezes every contribution of auth back into its pool.
func (l *Ledger) release(ctx context.Context, tx Tx, auth Authorization, pools map[int64]Pool, reason string, requestID *string, now time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, c := range auth.Contributions {
		p, ok := pools[c.PoolID]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: pool %d of authorization %s is missing", ErrInvariantViolation, c.PoolID, auth.ID)
		}
		next, _, err := applyDelta(ctx, tx, p, Mutation{
			Type:            EntryUnfreeze,
			Amount:          c.Amount,
			Reason:          reason,
			RequestID:       requestID,
			AuthorizationID: &auth.ID,
		}, now)
		if err != nil {
			return decimal.Zero, l.invariant(auth, err)
		}
		pools[c.PoolID] = next
		total = total.Add(c.Amount)
	}
	return total, nil
}

// invariant upgrades a balance failure on an already-frozen amount, which
// can only happen if the ledger is corrupt.
func (l *Ledger) invariant(auth Authorization, err error) error {
	if !errors.Is(err, ErrInsufficientBalance) {
		return err
	}
	l.logger.Error("ledger invariant violated",
		"authorization", auth.ID,
		"user", auth.UserID,
		"error", err,
	)
	return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
}

// Increase credits a user's pool. It is the only path that raises the sum of
// a pool's balances. A repeated OrderID returns the original entry.
func (l *Ledger) Increase(ctx context.Context, req IncreaseRequest) (Entry, error) {
	entry, err := l.increase(ctx, req)
	if err != nil {
		return Entry{}, &LedgerError{Op: "increase", UserID: req.UserID, Err: err}
	}
	l.logger.Info("increase",
		"user", req.UserID,
		"pool", entry.PoolID,
		"amount", entry.Amount.String(),
		"order", req.OrderID,
	)
	return entry, nil
}

func (l *Ledger) increase(ctx context.Context, req IncreaseRequest) (Entry, error) {
	if req.UserID == "" {
		return Entry{}, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return Entry{}, fmt.Errorf("%w: increase amount must be positive, got %s", ErrInvalidAmount, req.Amount)
	}
	reason := req.Reason
	if reason == "" {
		reason = ReasonTopUp
	}

	var entry Entry
	err := l.store.WithTx(ctx, func(tx Tx) error {
		pools, err := tx.LockUserPools(ctx, req.UserID)
		if err != nil {
			return err
		}

		var orderID *string
		if req.OrderID != "" {
			orderID = &req.OrderID
			prior, err := tx.EntryByOrderID(ctx, req.OrderID)
			if err == nil {
				entry = prior
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		target, ok := findPool(pools, req.PackageID)
		if !ok {
			return fmt.Errorf("%w: no pool for user %s package %s", ErrNotFound, req.UserID, packageLabel(req.PackageID))
		}

		_, entry, err = applyDelta(ctx, tx, target, Mutation{
			Type:    EntryIncrease,
			Amount:  req.Amount,
			Reason:  reason,
			OrderID: orderID,
		}, l.now())
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Pools returns the user's pools. The result is a snapshot and must not be
// used to decide a later mutation.
func (l *Ledger) Pools(ctx context.Context, userID string) ([]Pool, error) {
	return l.store.Pools(ctx, userID)
}

// Entries returns ledger entries matching filter.
func (l *Ledger) Entries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	return l.store.Entries(ctx, filter)
}

// Authorization returns the authorization holding callToken.
func (l *Ledger) Authorization(ctx context.Context, callToken string) (Authorization, error) {
	return l.store.Authorization(ctx, callToken)
}

func indexPools(pools []Pool) map[int64]Pool {
	byID := make(map[int64]Pool, len(pools))
	for _, p := range pools {
		byID[p.ID] = p
	}
	return byID
}

// lockPoolIndex locks every pool of the user. Locking the full set keeps the
// ascending-id lock order shared with Reserve.
func lockPoolIndex(ctx context.Context, tx Tx, userID string) (map[int64]Pool, error) {
	pools, err := tx.LockUserPools(ctx, userID)
	if err != nil {
		return nil, err
	}
	return indexPools(pools), nil
}

func findPool(pools []Pool, packageID *string) (Pool, bool) {
	for _, p := range pools {
		switch {
		case packageID == nil && p.PackageID == nil:
			return p, true
		case packageID != nil && p.PackageID != nil && *packageID == *p.PackageID:
			return p, true
		}
	}
	return Pool{}, false
}

func packageLabel(packageID *string) string {
	if packageID == nil {
		return "default"
	}
	return *packageID
}
