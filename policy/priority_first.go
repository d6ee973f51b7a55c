package policy

import (
	"sort"

	"github.com/ineyio/quotaledger"
)

// PriorityFirstPolicy draws from the highest-priority package first. Among
// equal priorities the soonest-to-expire pool is drained first, so balance
// is not stranded in a pool about to lapse.
type PriorityFirstPolicy struct{}

var _ quotaledger.Policy = (*PriorityFirstPolicy)(nil)

// Order sorts pools by priority DESC, expiry ASC (no expiry last), id ASC.
func (p *PriorityFirstPolicy) Order(pools []quotaledger.Pool) []quotaledger.Pool {
	result := make([]quotaledger.Pool, len(pools))
	copy(result, pools)

	sort.SliceStable(result, func(i, j int) bool {
		return quotaledger.ComparePriority(result[i], result[j]) < 0
	})

	return result
}
