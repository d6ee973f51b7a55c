package quotaledger

import "time"

// Eligible reports whether p may fund a call to modelID at now: its package
// has not expired and grants access to the model.
func (p Pool) Eligible(modelID string, now time.Time) bool {
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return false
	}
	return p.GrantsModel(modelID)
}

// GrantsModel reports whether the pool's package covers modelID.
// A pool without a model list covers every model.
func (p Pool) GrantsModel(modelID string) bool {
	if len(p.Models) == 0 {
		return true
	}
	for _, m := range p.Models {
		if m == modelID || m == "*" {
			return true
		}
	}
	return false
}

// eligiblePools returns the pools usable for modelID at now, preserving order.
func eligiblePools(pools []Pool, modelID string, now time.Time) []Pool {
	var out []Pool
	for _, p := range pools {
		if p.Eligible(modelID, now) {
			out = append(out, p)
		}
	}
	return out
}
