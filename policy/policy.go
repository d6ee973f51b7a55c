// Package policy provides pool ordering policies for the allocator.
package policy

import (
	"fmt"

	"github.com/ineyio/quotaledger"
)

// ByName returns the policy configured under name.
func ByName(name string) (quotaledger.Policy, error) {
	switch name {
	case "", quotaledger.PolicyPriorityFirst:
		return &PriorityFirstPolicy{}, nil
	case quotaledger.PolicyExpiryFirst:
		return &ExpiryFirstPolicy{}, nil
	}
	return nil, fmt.Errorf("quotaledger/policy: unknown policy %q", name)
}
