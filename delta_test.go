package quotaledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deltaNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func balances(available, frozen, used string) Pool {
	return Pool{ID: 7, UserID: "u1", Available: d(available), Frozen: d(frozen), Used: d(used)}
}

func TestMutationApply(t *testing.T) {
	tests := []struct {
		name   string
		pool   Pool
		m      Mutation
		want   Pool
		field  Field
		before string
		after  string
	}{
		{
			name:   "increase",
			pool:   balances("10", "0", "0"),
			m:      Mutation{Type: EntryIncrease, Amount: d("5")},
			want:   balances("15", "0", "0"),
			field:  FieldAvailable,
			before: "10",
			after:  "15",
		},
		{
			name:   "freeze",
			pool:   balances("10", "1", "0"),
			m:      Mutation{Type: EntryFreeze, Amount: d("4")},
			want:   balances("6", "5", "0"),
			field:  FieldAvailable,
			before: "10",
			after:  "6",
		},
		{
			name:   "unfreeze",
			pool:   balances("6", "5", "0"),
			m:      Mutation{Type: EntryUnfreeze, Amount: d("5")},
			want:   balances("11", "0", "0"),
			field:  FieldAvailable,
			before: "6",
			after:  "11",
		},
		{
			name:   "decrease frozen",
			pool:   balances("6", "5", "2"),
			m:      Mutation{Type: EntryDecrease, From: FieldFrozen, Amount: d("3")},
			want:   balances("6", "2", "5"),
			field:  FieldFrozen,
			before: "5",
			after:  "2",
		},
		{
			name:   "decrease available",
			pool:   balances("6", "0", "2"),
			m:      Mutation{Type: EntryDecrease, From: FieldAvailable, Amount: d("6")},
			want:   balances("0", "0", "8"),
			field:  FieldAvailable,
			before: "6",
			after:  "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, entry, err := tt.m.Apply(tt.pool, deltaNow)
			require.NoError(t, err)

			assert.True(t, next.Available.Equal(tt.want.Available), "available %s", next.Available)
			assert.True(t, next.Frozen.Equal(tt.want.Frozen), "frozen %s", next.Frozen)
			assert.True(t, next.Used.Equal(tt.want.Used), "used %s", next.Used)
			assert.Equal(t, deltaNow, next.UpdatedAt)

			assert.Equal(t, tt.m.Type, entry.Type)
			assert.Equal(t, tt.field, entry.Field)
			assert.Equal(t, int64(7), entry.PoolID)
			assert.Equal(t, "u1", entry.UserID)
			assert.True(t, entry.Amount.Equal(tt.m.Amount))
			assert.True(t, entry.Before.Equal(d(tt.before)), "before %s", entry.Before)
			assert.True(t, entry.After.Equal(d(tt.after)), "after %s", entry.After)
		})
	}
}

func TestMutationApply_NeverNegative(t *testing.T) {
	tests := []struct {
		name string
		pool Pool
		m    Mutation
	}{
		{"freeze beyond available", balances("3", "0", "0"), Mutation{Type: EntryFreeze, Amount: d("4")}},
		{"unfreeze beyond frozen", balances("3", "1", "0"), Mutation{Type: EntryUnfreeze, Amount: d("2")}},
		{"decrease beyond frozen", balances("3", "1", "0"), Mutation{Type: EntryDecrease, From: FieldFrozen, Amount: d("2")}},
		{"decrease beyond available", balances("3", "0", "0"), Mutation{Type: EntryDecrease, From: FieldAvailable, Amount: d("3.5")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, _, err := tt.m.Apply(tt.pool, deltaNow)
			assert.ErrorIs(t, err, ErrInsufficientBalance)
			assert.Equal(t, tt.pool, next)
		})
	}
}

func TestMutationApply_Rejects(t *testing.T) {
	p := balances("10", "0", "0")

	_, _, err := Mutation{Type: EntryIncrease, Amount: decimal.Zero}.Apply(p, deltaNow)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = Mutation{Type: EntryDecrease, Amount: d("1")}.Apply(p, deltaNow)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = Mutation{Type: EntryType("burn"), Amount: d("1")}.Apply(p, deltaNow)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMutationApply_ConservesTotal(t *testing.T) {
	p := balances("10", "4", "1")
	for _, m := range []Mutation{
		{Type: EntryFreeze, Amount: d("2")},
		{Type: EntryUnfreeze, Amount: d("3")},
		{Type: EntryDecrease, From: FieldFrozen, Amount: d("1")},
		{Type: EntryDecrease, From: FieldAvailable, Amount: d("5")},
	} {
		next, _, err := m.Apply(p, deltaNow)
		require.NoError(t, err, m.Type)
		assert.True(t, next.Total().Equal(p.Total()), "%s changed total", m.Type)
		p = next
	}
}
