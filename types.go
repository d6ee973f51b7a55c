package quotaledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Pool is one quota balance bucket: a user's default pool (PackageID nil)
// or the pool attached to one of the user's packages.
type Pool struct {
	ID        int64
	UserID    string
	PackageID *string

	// Package attributes, maintained by the subscription service.
	Priority  int        // higher is drawn first
	ExpiresAt *time.Time // nil never expires
	Models    []string   // empty grants every model

	Available decimal.Decimal
	Frozen    decimal.Decimal
	Used      decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Total returns available + frozen + used.
func (p Pool) Total() decimal.Decimal {
	return p.Available.Add(p.Frozen).Add(p.Used)
}

// IsDefault reports whether p is the user's default pool.
func (p Pool) IsDefault() bool { return p.PackageID == nil }

// ValidateKey checks the (UserID, PackageID) pair that identifies a pool.
// An empty package id is rejected: stores key the default pool as "".
func (p Pool) ValidateKey() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: pool user is required", ErrInvalidRequest)
	}
	if p.PackageID != nil && *p.PackageID == "" {
		return fmt.Errorf("%w: package id must not be empty, use nil for the default pool", ErrInvalidRequest)
	}
	return nil
}

// EntryType is the kind of balance transition recorded by an Entry.
type EntryType string

const (
	EntryIncrease EntryType = "increase"
	EntryDecrease EntryType = "decrease"
	EntryFreeze   EntryType = "freeze"
	EntryUnfreeze EntryType = "unfreeze"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryIncrease, EntryDecrease, EntryFreeze, EntryUnfreeze:
		return true
	}
	return false
}

// Field names the balance column an Entry's Before/After values describe.
type Field string

const (
	FieldAvailable Field = "available"
	FieldFrozen    Field = "frozen"
)

// Entry reasons written by the ledger.
const (
	ReasonReserve   = "reserve"
	ReasonSettle    = "settle"
	ReasonRefund    = "settle_refund"
	ReasonShortfall = "settle_shortfall"
	ReasonFailure   = "settle_failure"
	ReasonCancel    = "cancel"
	ReasonRevoke    = "revoke"
	ReasonExpire    = "expire"
	ReasonTopUp     = "topup"
)

// Entry is an immutable record of one balance mutation.
type Entry struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"user_id"`
	PoolID          int64           `json:"pool_id"`
	PackageID       *string         `json:"package_id,omitempty"`
	Type            EntryType       `json:"type"`
	Field           Field           `json:"field"`
	Amount          decimal.Decimal `json:"amount"`
	Before          decimal.Decimal `json:"before"`
	After           decimal.Decimal `json:"after"`
	Reason          string          `json:"reason"`
	RequestID       *string         `json:"request_id,omitempty"`
	OrderID         *string         `json:"order_id,omitempty"`
	AuthorizationID *string         `json:"authorization_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Contribution is the share of a reservation frozen in a single pool.
type Contribution struct {
	PoolID    int64           `json:"pool_id"`
	PackageID *string         `json:"package_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

// Outcome is the client-reported result of the external call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// SettlementResult describes how a reservation was reconciled.
type SettlementResult struct {
	ActualCost         decimal.Decimal `json:"actual_cost"`
	Refunded           decimal.Decimal `json:"refunded"`
	Additional         decimal.Decimal `json:"additional"`
	Shortfall          decimal.Decimal `json:"shortfall"`
	RemainingAvailable decimal.Decimal `json:"remaining_available"`

	// Replayed is set when the result was returned from a prior settlement
	// carrying the same request id.
	Replayed bool `json:"-"`
}

// ReleaseResult describes a cancel, revoke or expiry.
type ReleaseResult struct {
	Status   AuthStatus
	Refunded decimal.Decimal
}

// ReserveRequest asks for a reservation against a user's pools.
type ReserveRequest struct {
	UserID            string
	ModelID           string
	DeviceFingerprint string
	Amount            decimal.Decimal
}

// SettleRequest reports the actual cost of a reserved call.
type SettleRequest struct {
	CallToken  string
	RequestID  string
	ActualCost decimal.Decimal
	Outcome    Outcome
}

// IncreaseRequest credits a pool. OrderID makes the credit idempotent.
type IncreaseRequest struct {
	UserID    string
	PackageID *string
	Amount    decimal.Decimal
	OrderID   string
	Reason    string
}

// EntryFilter selects ledger entries. Zero fields are ignored.
type EntryFilter struct {
	UserID          string
	RequestID       string
	AuthorizationID string
	OrderID         string
	Type            EntryType
	Limit           int
}

// ReapReport summarizes one expiry sweep.
type ReapReport struct {
	Scanned  int
	Expired  int
	Skipped  int
	Failed   int
	Released decimal.Decimal
	// Next is the position after the last scanned authorization. Passing it
	// to the following batch moves past authorizations that failed to expire.
	Next ExpiryCursor
}

// ExpiryCursor is a position in the (ExpiresAt, CallToken) order of expired
// authorizations. The zero value is the start.
type ExpiryCursor struct {
	ExpiresAt time.Time
	CallToken string
}

// IsZero reports whether c is the start position.
func (c ExpiryCursor) IsZero() bool {
	return c.ExpiresAt.IsZero() && c.CallToken == ""
}

// Before reports whether c sorts before other.
func (c ExpiryCursor) Before(other ExpiryCursor) bool {
	if !c.ExpiresAt.Equal(other.ExpiresAt) {
		return c.ExpiresAt.Before(other.ExpiresAt)
	}
	return c.CallToken < other.CallToken
}

// StringPtr returns a pointer to the given string.
func StringPtr(v string) *string { return &v }
