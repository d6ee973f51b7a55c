package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
)

func ids(pools []quotaledger.Pool) []int64 {
	out := make([]int64, len(pools))
	for i, p := range pools {
		out[i] = p.ID
	}
	return out
}

func fixture() []quotaledger.Pool {
	soon := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	later := soon.AddDate(0, 6, 0)
	return []quotaledger.Pool{
		{ID: 1, Priority: 0},
		{ID: 2, Priority: 5, ExpiresAt: &later},
		{ID: 3, Priority: 0, ExpiresAt: &soon},
		{ID: 4, Priority: 5},
		{ID: 5, Priority: 5, ExpiresAt: &later},
	}
}

func TestPriorityFirst_Order(t *testing.T) {
	pools := fixture()
	got := (&PriorityFirstPolicy{}).Order(pools)

	// priority desc, then soonest expiry (none last), then id
	assert.Equal(t, []int64{2, 5, 4, 3, 1}, ids(got))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(pools), "input must not be reordered")
}

func TestExpiryFirst_Order(t *testing.T) {
	pools := fixture()
	got := (&ExpiryFirstPolicy{}).Order(pools)

	// expiry asc (none last), then priority desc, then id
	assert.Equal(t, []int64{3, 2, 5, 4, 1}, ids(got))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(pools), "input must not be reordered")
}

func TestOrder_Empty(t *testing.T) {
	assert.Empty(t, (&PriorityFirstPolicy{}).Order(nil))
	assert.Empty(t, (&ExpiryFirstPolicy{}).Order(nil))
}

func TestByName(t *testing.T) {
	p, err := ByName("")
	require.NoError(t, err)
	assert.IsType(t, &PriorityFirstPolicy{}, p)

	p, err = ByName(quotaledger.PolicyPriorityFirst)
	require.NoError(t, err)
	assert.IsType(t, &PriorityFirstPolicy{}, p)

	p, err = ByName(quotaledger.PolicyExpiryFirst)
	require.NoError(t, err)
	assert.IsType(t, &ExpiryFirstPolicy{}, p)

	_, err = ByName("cheapest")
	assert.Error(t, err)
}
