package quotaledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PlanWithdrawal splits amount across pools in the given order, taking
// min(remaining, pool.Available) from each. Pools with nothing available are
// skipped. If the pools cannot cover the amount, no plan is returned.
func PlanWithdrawal(pools []Pool, amount decimal.Decimal) ([]Contribution, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	remaining := amount
	var plan []Contribution
	for _, p := range pools {
		if !remaining.IsPositive() {
			break
		}
		if !p.Available.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, p.Available)
		plan = append(plan, Contribution{
			PoolID:    p.ID,
			PackageID: p.PackageID,
			Amount:    take,
		})
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: short by %s", ErrInsufficientQuota, remaining)
	}
	return plan, nil
}

// PlanRefund decides how much of each contribution to return when only part
// of a reservation was spent. Contributions are unwound in strict reverse of
// the order they were frozen, so the lowest-priority pool is refunded first.
// The returned slice is index-aligned with contributions.
func PlanRefund(contributions []Contribution, refund decimal.Decimal) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(contributions))
	for i := range out {
		out[i] = decimal.Zero
	}
	remaining := refund
	for i := len(contributions) - 1; i >= 0 && remaining.IsPositive(); i-- {
		give := decimal.Min(remaining, contributions[i].Amount)
		out[i] = give
		remaining = remaining.Sub(give)
	}
	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: refund %s exceeds reservation", ErrInvariantViolation, refund)
	}
	return out, nil
}

// sumContributions returns the total amount across contributions.
func sumContributions(contributions []Contribution) decimal.Decimal {
	total := decimal.Zero
	for _, c := range contributions {
		total = total.Add(c.Amount)
	}
	return total
}
