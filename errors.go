package quotaledger

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientQuota   = errors.New("quotaledger: insufficient quota")
	ErrInsufficientBalance = errors.New("quotaledger: insufficient balance")
	ErrNotFound            = errors.New("quotaledger: not found")
	ErrExpired             = errors.New("quotaledger: authorization expired")
	ErrAlreadySettled      = errors.New("quotaledger: authorization already settled")
	ErrInvariantViolation  = errors.New("quotaledger: invariant violation")
	ErrInvalidAmount       = errors.New("quotaledger: invalid amount")
	ErrInvalidRequest      = errors.New("quotaledger: invalid request")
	ErrDuplicateRequest    = errors.New("quotaledger: request id already used by another authorization")
	ErrForbidden           = errors.New("quotaledger: forbidden")
	ErrModelNotFound       = errors.New("quotaledger: model not priced")
)

// ErrNotActive is returned when a terminal transition is attempted on an
// authorization that already left the active state.
var ErrNotActive = ErrAlreadySettled

// LedgerError wraps an error with the operation context it happened in.
type LedgerError struct {
	Op        string
	UserID    string
	CallToken string
	RequestID string
	Err       error
}

func (e *LedgerError) Error() string {
	msg := "quotaledger: op=" + e.Op
	if e.UserID != "" {
		msg += " user=" + e.UserID
	}
	if e.CallToken != "" {
		msg += " token=" + redactToken(e.CallToken)
	}
	if e.RequestID != "" {
		msg += " request=" + e.RequestID
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// IsClientError returns true if err was caused by the caller's input or by
// the state of the authorization rather than by the store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientQuota) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrModelNotFound)
}

// IsRetryable returns true if repeating the call with the same arguments
// (and, for settlement, the same request id) may succeed.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvariantViolation) {
		return false
	}
	return !IsClientError(err)
}

func redactToken(token string) string {
	if len(token) <= 10 {
		return "***"
	}
	return token[:7] + "***"
}
