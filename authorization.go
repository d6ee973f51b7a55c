package quotaledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AuthStatus is the lifecycle state of an Authorization.
type AuthStatus uint8

const (
	StatusActive AuthStatus = iota + 1
	StatusUsed
	StatusExpired
	StatusRevoked
)

func (s AuthStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusUsed:
		return "used"
	case StatusExpired:
		return "expired"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ParseAuthStatus parses the string form written by String.
func ParseAuthStatus(s string) (AuthStatus, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "used":
		return StatusUsed, nil
	case "expired":
		return StatusExpired, nil
	case "revoked":
		return StatusRevoked, nil
	}
	return 0, fmt.Errorf("quotaledger: unknown authorization status %q", s)
}

// Terminal reports whether no further transition is possible from s.
func (s AuthStatus) Terminal() bool {
	switch s {
	case StatusActive:
		return false
	case StatusUsed, StatusExpired, StatusRevoked:
		return true
	default:
		return true
	}
}

// Transition returns the state reached by moving from s to next, or
// ErrNotActive if the move is not allowed. Only active authorizations move,
// and only into a terminal state.
func (s AuthStatus) Transition(next AuthStatus) (AuthStatus, error) {
	switch s {
	case StatusActive:
		switch next {
		case StatusUsed, StatusExpired, StatusRevoked:
			return next, nil
		case StatusActive:
			return s, fmt.Errorf("%w: already active", ErrInvalidRequest)
		default:
			return s, fmt.Errorf("%w: unknown target status %d", ErrInvalidRequest, next)
		}
	case StatusUsed, StatusExpired, StatusRevoked:
		return s, fmt.Errorf("%w: authorization is %s", ErrNotActive, s)
	default:
		return s, fmt.Errorf("%w: unknown status %d", ErrInvariantViolation, s)
	}
}

// Authorization is a short-lived, single-use reservation token.
type Authorization struct {
	ID                string
	UserID            string
	ModelID           string
	DeviceFingerprint string
	FrozenQuota       decimal.Decimal
	Contributions     []Contribution
	CallToken         string
	Status            AuthStatus
	ExpiresAt         time.Time
	CreatedAt         time.Time
	FinalizedAt       *time.Time
	RequestID         *string
	ActorID           *string
	Settlement        *SettlementResult
}

// ExpiredAt reports whether a is past its deadline at now.
func (a Authorization) ExpiredAt(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// PoolIDs returns the ids of the pools a contributed from, in freeze order.
func (a Authorization) PoolIDs() []int64 {
	ids := make([]int64, 0, len(a.Contributions))
	for _, c := range a.Contributions {
		ids = append(ids, c.PoolID)
	}
	return ids
}

// markUsed finalizes a successful or failed settlement.
func (a *Authorization) markUsed(requestID string, result SettlementResult, now time.Time) error {
	if err := a.finish(StatusUsed, now); err != nil {
		return err
	}
	a.RequestID = &requestID
	a.Settlement = &result
	return nil
}

// markExpired finalizes an authorization released after its deadline.
func (a *Authorization) markExpired(now time.Time) error {
	return a.finish(StatusExpired, now)
}

// markRevoked finalizes an authorization released by its owner or an admin.
func (a *Authorization) markRevoked(actorID string, now time.Time) error {
	if err := a.finish(StatusRevoked, now); err != nil {
		return err
	}
	if actorID != "" {
		a.ActorID = &actorID
	}
	return nil
}

func (a *Authorization) finish(next AuthStatus, now time.Time) error {
	s, err := a.Status.Transition(next)
	if err != nil {
		return err
	}
	a.Status = s
	a.FinalizedAt = &now
	return nil
}
