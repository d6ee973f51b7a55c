package quotaledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolEligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name  string
		pool  Pool
		model string
		want  bool
	}{
		{"no restrictions", Pool{}, "gpt-4o", true},
		{"listed model", Pool{Models: []string{"gpt-4o", "gpt-4o-mini"}}, "gpt-4o-mini", true},
		{"unlisted model", Pool{Models: []string{"gpt-4o"}}, "claude", false},
		{"wildcard", Pool{Models: []string{"*"}}, "anything", true},
		{"expired", Pool{ExpiresAt: &past}, "gpt-4o", false},
		{"expires exactly now", Pool{ExpiresAt: &now}, "gpt-4o", false},
		{"not yet expired", Pool{ExpiresAt: &future}, "gpt-4o", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pool.Eligible(tt.model, now))
		})
	}
}

func TestEligiblePools_PreservesOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	pools := []Pool{
		{ID: 3},
		{ID: 1, ExpiresAt: &past},
		{ID: 2, Models: []string{"other"}},
		{ID: 5, Models: []string{"m"}},
	}

	got := eligiblePools(pools, "m", now)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(5), got[1].ID)
}

func TestComparePriority(t *testing.T) {
	soon := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	later := soon.AddDate(0, 1, 0)

	pools := []Pool{
		{ID: 1, Priority: 0},
		{ID: 2, Priority: 10, ExpiresAt: &later},
		{ID: 3, Priority: 10},
		{ID: 4, Priority: 10, ExpiresAt: &soon},
		{ID: 5, Priority: 0},
	}

	got := defaultPriorityPolicy{}.Order(pools)
	ids := make([]int64, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	assert.Equal(t, []int64{4, 2, 3, 1, 5}, ids)
	assert.Equal(t, int64(1), pools[0].ID, "input must not be reordered")
}

func TestCompareExpiry(t *testing.T) {
	soon := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	low := Pool{ID: 1, Priority: 0, ExpiresAt: &soon}
	high := Pool{ID: 2, Priority: 10}

	assert.Negative(t, CompareExpiry(low, high))
	assert.Positive(t, ComparePriority(low, high))
	assert.Zero(t, CompareExpiry(low, low))
}
