package quotaledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mutation is a single balance change against one pool.
type Mutation struct {
	Type EntryType
	// From selects the drained balance for EntryDecrease: FieldFrozen when
	// settling a reservation, FieldAvailable when drawing a shortfall.
	From            Field
	Amount          decimal.Decimal
	Reason          string
	RequestID       *string
	OrderID         *string
	AuthorizationID *string
}

// Apply computes the pool after m and the entry recording it. It never
// produces a negative balance; such mutations fail with ErrInsufficientBalance.
func (m Mutation) Apply(p Pool, now time.Time) (Pool, Entry, error) {
	if !m.Amount.IsPositive() {
		return p, Entry{}, fmt.Errorf("%w: mutation amount %s", ErrInvalidAmount, m.Amount)
	}

	next := p
	entry := Entry{
		UserID:          p.UserID,
		PoolID:          p.ID,
		PackageID:       p.PackageID,
		Type:            m.Type,
		Field:           FieldAvailable,
		Amount:          m.Amount,
		Reason:          m.Reason,
		RequestID:       m.RequestID,
		OrderID:         m.OrderID,
		AuthorizationID: m.AuthorizationID,
		CreatedAt:       now,
	}

	switch m.Type {
	case EntryIncrease:
		next.Available = p.Available.Add(m.Amount)
		entry.Before, entry.After = p.Available, next.Available
	case EntryFreeze:
		next.Available = p.Available.Sub(m.Amount)
		next.Frozen = p.Frozen.Add(m.Amount)
		entry.Before, entry.After = p.Available, next.Available
	case EntryUnfreeze:
		next.Frozen = p.Frozen.Sub(m.Amount)
		next.Available = p.Available.Add(m.Amount)
		entry.Before, entry.After = p.Available, next.Available
	case EntryDecrease:
		switch m.From {
		case FieldFrozen:
			next.Frozen = p.Frozen.Sub(m.Amount)
			entry.Field = FieldFrozen
			entry.Before, entry.After = p.Frozen, next.Frozen
		case FieldAvailable:
			next.Available = p.Available.Sub(m.Amount)
			entry.Before, entry.After = p.Available, next.Available
		default:
			return p, Entry{}, fmt.Errorf("%w: decrease from unknown field %q", ErrInvalidRequest, m.From)
		}
		next.Used = p.Used.Add(m.Amount)
	default:
		return p, Entry{}, fmt.Errorf("%w: unknown entry type %q", ErrInvalidRequest, m.Type)
	}

	if next.Available.IsNegative() || next.Frozen.IsNegative() || next.Used.IsNegative() {
		return p, Entry{}, fmt.Errorf("%w: pool %d %s %s would leave available=%s frozen=%s",
			ErrInsufficientBalance, p.ID, m.Type, m.Amount, next.Available, next.Frozen)
	}

	next.UpdatedAt = now
	return next, entry, nil
}

// applyDelta applies m to a pool locked in tx and appends the matching entry.
func applyDelta(ctx context.Context, tx Tx, p Pool, m Mutation, now time.Time) (Pool, Entry, error) {
	next, entry, err := m.Apply(p, now)
	if err != nil {
		return p, Entry{}, err
	}
	if err := tx.UpdatePool(ctx, next); err != nil {
		return p, Entry{}, err
	}
	entry, err = tx.AppendEntry(ctx, entry)
	if err != nil {
		return p, Entry{}, err
	}
	return next, entry, nil
}
