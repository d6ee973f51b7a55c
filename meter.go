package quotaledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meter observes ledger events for monitoring/logging.
type Meter interface {
	// OnReserve is called after every reservation attempt.
	OnReserve(event ReserveEvent)

	// OnSettle is called after every settlement attempt.
	OnSettle(event SettleEvent)

	// OnRelease is called when a reservation is returned in full by a
	// cancel, revoke or expiry.
	OnRelease(event ReleaseEvent)
}

// ReserveEvent describes a reservation attempt.
type ReserveEvent struct {
	UserID   string
	ModelID  string
	Amount   decimal.Decimal
	Pools    int // pools the reservation was split across
	Success  bool
	Duration time.Duration
	Error    error
}

// SettleEvent describes a settlement attempt.
type SettleEvent struct {
	UserID    string
	ModelID   string
	RequestID string
	Outcome   Outcome
	Frozen    decimal.Decimal
	Result    SettlementResult
	Success   bool
	Duration  time.Duration
	Error     error
}

// ReleaseEvent describes a full release of a reservation.
type ReleaseEvent struct {
	UserID  string
	ModelID string
	Status  AuthStatus
	Amount  decimal.Decimal
	ActorID string
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnReserve(ReserveEvent) {}
func (noopMeter) OnSettle(SettleEvent)   {}
func (noopMeter) OnRelease(ReleaseEvent) {}
