package quotaledger

import (
	"context"
	"time"
)

// Store is the durable home of pools, ledger entries and authorizations.
//
// Implementations must run WithTx as a single database transaction and
// acquire pool row locks in ascending pool id order.
type Store interface {
	// WithTx runs fn inside one transaction. A non-nil error from fn rolls
	// the transaction back and is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// UpsertPool creates a pool with zero balances, or updates the package
	// attributes (priority, expiry, models) of the existing pool with the
	// same (UserID, PackageID). Balances are never touched.
	UpsertPool(ctx context.Context, pool Pool) (Pool, error)

	// Pools returns every pool of a user ordered by id.
	Pools(ctx context.Context, userID string) ([]Pool, error)

	// Entries returns ledger entries matching the filter, oldest first.
	Entries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	// Authorization returns the authorization holding callToken.
	Authorization(ctx context.Context, callToken string) (Authorization, error)

	// ExpiredAuthorizations returns up to limit active authorizations whose
	// deadline is before now and whose position sorts after the cursor,
	// ordered by (ExpiresAt, CallToken).
	ExpiredAuthorizations(ctx context.Context, now time.Time, after ExpiryCursor, limit int) ([]ExpiryCursor, error)
}

// Tx is the set of operations available inside a Store transaction.
// Reads through Tx lock the rows they return until the transaction ends.
type Tx interface {
	// LockUserPools locks and returns every pool of the user, ascending id.
	LockUserPools(ctx context.Context, userID string) ([]Pool, error)

	// UpdatePool writes the balances of a locked pool.
	UpdatePool(ctx context.Context, pool Pool) error

	// AppendEntry stores an entry and returns it with its id assigned.
	AppendEntry(ctx context.Context, entry Entry) (Entry, error)

	// EntryByOrderID returns the increase entry recorded for orderID.
	EntryByOrderID(ctx context.Context, orderID string) (Entry, error)

	// InsertAuthorization stores a new active authorization.
	InsertAuthorization(ctx context.Context, auth Authorization) error

	// LockAuthorization locks and returns the authorization holding callToken.
	LockAuthorization(ctx context.Context, callToken string) (Authorization, error)

	// AuthorizationByRequestID returns the authorization settled with requestID.
	AuthorizationByRequestID(ctx context.Context, requestID string) (Authorization, error)

	// FinalizeAuthorization persists a terminal transition. The write only
	// applies if the stored status is still active; otherwise ErrNotActive.
	FinalizeAuthorization(ctx context.Context, auth Authorization) error
}
