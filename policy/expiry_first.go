package policy

import (
	"sort"

	"github.com/ineyio/quotaledger"
)

// ExpiryFirstPolicy drains the soonest-to-expire pool first regardless of
// package priority, falling back to priority order for pools expiring
// together (or never).
type ExpiryFirstPolicy struct{}

var _ quotaledger.Policy = (*ExpiryFirstPolicy)(nil)

// Order sorts pools by expiry ASC (no expiry last), then priority DESC, id ASC.
func (p *ExpiryFirstPolicy) Order(pools []quotaledger.Pool) []quotaledger.Pool {
	result := make([]quotaledger.Pool, len(pools))
	copy(result, pools)

	sort.SliceStable(result, func(i, j int) bool {
		return quotaledger.CompareExpiry(result[i], result[j]) < 0
	})

	return result
}
