package quotaledger

import "sort"

// Policy orders eligible pools for withdrawal.
type Policy interface {
	// Order returns pools in draw order (first drawn first). The input must
	// not be modified.
	Order(pools []Pool) []Pool
}

// ComparePriority orders pools by descending priority, then soonest expiry
// (pools without expiry last), then ascending id. It returns a negative
// number when a is drawn before b.
func ComparePriority(a, b Pool) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if c := compareExpiry(a, b); c != 0 {
		return c
	}
	return compareID(a, b)
}

func compareExpiry(a, b Pool) int {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt == nil:
		return 0
	case a.ExpiresAt == nil:
		return 1
	case b.ExpiresAt == nil:
		return -1
	case a.ExpiresAt.Before(*b.ExpiresAt):
		return -1
	case b.ExpiresAt.Before(*a.ExpiresAt):
		return 1
	}
	return 0
}

func compareID(a, b Pool) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// CompareExpiry orders pools by soonest expiry first, then by ComparePriority.
func CompareExpiry(a, b Pool) int {
	if c := compareExpiry(a, b); c != 0 {
		return c
	}
	return ComparePriority(a, b)
}

// defaultPriorityPolicy is an inline priority-first policy to avoid import cycles.
type defaultPriorityPolicy struct{}

func (defaultPriorityPolicy) Order(pools []Pool) []Pool {
	result := make([]Pool, len(pools))
	copy(result, pools)
	sort.SliceStable(result, func(i, j int) bool {
		return ComparePriority(result[i], result[j]) < 0
	})
	return result
}
