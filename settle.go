package quotaledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Settle reconciles the reservation behind req.CallToken against the
// reported cost and finalizes the authorization.
//
// Settling again with the same request id returns the original result
// without touching balances. When the actual cost exceeds the reservation
// and the user's remaining balance cannot cover the difference, the reserved
// amount is still consumed, the authorization is finalized, and the result
// is returned together with ErrInsufficientQuota; the cost was already
// incurred upstream and is not rolled back.
func (l *Ledger) Settle(ctx context.Context, req SettleRequest) (SettlementResult, error) {
	start := time.Now()

	var (
		auth   Authorization
		result SettlementResult
		// outcomeErr is reported to the caller after the transaction commits.
		outcomeErr error
		// expired is set when the reservation was released by lazy expiry.
		expired  bool
		released decimal.Decimal
	)
	err := l.validateSettle(req)
	if err == nil {
		err = l.store.WithTx(ctx, func(tx Tx) error {
			var err error
			auth, err = tx.LockAuthorization(ctx, req.CallToken)
			if err != nil {
				return err
			}

			// Idempotent replay.
			if auth.RequestID != nil && *auth.RequestID == req.RequestID && auth.Settlement != nil {
				result = *auth.Settlement
				result.Replayed = true
				if result.Shortfall.IsPositive() {
					outcomeErr = ErrInsufficientQuota
				}
				return nil
			}

			other, err := tx.AuthorizationByRequestID(ctx, req.RequestID)
			if err == nil && other.ID != auth.ID {
				return ErrDuplicateRequest
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}

			if auth.Status == StatusExpired {
				return ErrExpired
			}
			if _, err := auth.Status.Transition(StatusUsed); err != nil {
				return err
			}

			now := l.now()
			if auth.ExpiredAt(now) {
				// Lazy expiry: release now so the reservation never outlives
				// its deadline, then report the expiry.
				if released, err = l.expireLocked(ctx, tx, &auth, now); err != nil {
					return err
				}
				expired = true
				outcomeErr = ErrExpired
				return nil
			}

			result, err = l.settleLocked(ctx, tx, &auth, req, now)
			if err != nil {
				return err
			}
			if result.Shortfall.IsPositive() {
				outcomeErr = ErrInsufficientQuota
			}
			return nil
		})
	}

	if err == nil && expired {
		l.meter.OnRelease(ReleaseEvent{
			UserID:  auth.UserID,
			ModelID: auth.ModelID,
			Status:  StatusExpired,
			Amount:  released,
		})
	}

	l.meter.OnSettle(SettleEvent{
		UserID:    auth.UserID,
		ModelID:   auth.ModelID,
		RequestID: req.RequestID,
		Outcome:   req.Outcome,
		Frozen:    auth.FrozenQuota,
		Result:    result,
		Success:   err == nil && outcomeErr == nil,
		Duration:  time.Since(start),
		Error:     errors.Join(err, outcomeErr),
	})

	if err != nil {
		l.logger.Warn("settle failed",
			"user", auth.UserID,
			"token", redactToken(req.CallToken),
			"request", req.RequestID,
			"outcome", req.Outcome,
			"actual_cost", req.ActualCost.String(),
			"error", err,
		)
		return SettlementResult{}, &LedgerError{Op: "settle", UserID: auth.UserID, CallToken: req.CallToken, RequestID: req.RequestID, Err: err}
	}

	if outcomeErr != nil {
		l.logger.Warn("settle incomplete",
			"user", auth.UserID,
			"token", redactToken(req.CallToken),
			"request", req.RequestID,
			"frozen", auth.FrozenQuota.String(),
			"actual_cost", req.ActualCost.String(),
			"shortfall", result.Shortfall.String(),
			"replayed", result.Replayed,
			"error", outcomeErr,
		)
		return result, &LedgerError{Op: "settle", UserID: auth.UserID, CallToken: req.CallToken, RequestID: req.RequestID, Err: outcomeErr}
	}

	l.logger.Info("settle",
		"user", auth.UserID,
		"request", req.RequestID,
		"outcome", req.Outcome,
		"frozen", auth.FrozenQuota.String(),
		"actual_cost", result.ActualCost.String(),
		"refunded", result.Refunded.String(),
		"additional", result.Additional.String(),
		"replayed", result.Replayed,
	)
	return result, nil
}

func (l *Ledger) validateSettle(req SettleRequest) error {
	if req.CallToken == "" {
		return fmt.Errorf("%w: call token is required", ErrInvalidRequest)
	}
	if req.RequestID == "" {
		return fmt.Errorf("%w: request id is required", ErrInvalidRequest)
	}
	switch req.Outcome {
	case OutcomeSuccess:
		if req.ActualCost.IsNegative() {
			return fmt.Errorf("%w: actual cost must not be negative, got %s", ErrInvalidAmount, req.ActualCost)
		}
	case OutcomeFailure:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, req.Outcome)
	}
	return nil
}

// settleLocked applies a settlement to a locked, active, unexpired
// authorization. An uncovered shortfall is reported in the result, not as an
// error, so that the consumed reservation still commits.
func (l *Ledger) settleLocked(ctx context.Context, tx Tx, auth *Authorization, req SettleRequest, now time.Time) (SettlementResult, error) {
	pools, err := lockPoolIndex(ctx, tx, auth.UserID)
	if err != nil {
		return SettlementResult{}, err
	}

	requestID := req.RequestID
	result := SettlementResult{
		ActualCost: decimal.Zero,
		Refunded:   decimal.Zero,
		Additional: decimal.Zero,
		Shortfall:  decimal.Zero,
	}
	switch req.Outcome {
	case OutcomeFailure:
		refunded, err := l.release(ctx, tx, *auth, pools, ReasonFailure, &requestID, now)
		if err != nil {
			return SettlementResult{}, err
		}
		result.Refunded = refunded

	case OutcomeSuccess:
		frozen := sumContributions(auth.Contributions)
		if !frozen.Equal(auth.FrozenQuota) {
			return SettlementResult{}, fmt.Errorf("%w: authorization %s contributions sum to %s, frozen %s",
				ErrInvariantViolation, auth.ID, frozen, auth.FrozenQuota)
		}
		result.ActualCost = req.ActualCost

		refund := decimal.Zero
		diff := auth.FrozenQuota.Sub(req.ActualCost)
		if diff.IsPositive() {
			refund = diff
		}
		if err := l.consume(ctx, tx, *auth, pools, refund, &requestID, now); err != nil {
			return SettlementResult{}, err
		}
		result.Refunded = refund

		if diff.IsNegative() {
			shortfall := diff.Neg()
			drawn, err := l.drawShortfall(ctx, tx, *auth, pools, shortfall, &requestID, now)
			switch {
			case errors.Is(err, ErrInsufficientQuota):
				result.Shortfall = shortfall
			case err != nil:
				return SettlementResult{}, err
			default:
				result.Additional = drawn
			}
		}
	}

	result.RemainingAvailable = availableTotal(pools)
	if err := auth.markUsed(requestID, result, now); err != nil {
		return SettlementResult{}, err
	}
	if err := tx.FinalizeAuthorization(ctx, *auth); err != nil {
		return SettlementResult{}, err
	}
	return result, nil
}

// consume moves the reservation from frozen to used, except for refund which
// is returned to available. The refund is taken from contributions in
// reverse freeze order.
func (l *Ledger) consume(ctx context.Context, tx Tx, auth Authorization, pools map[int64]Pool, refund decimal.Decimal, requestID *string, now time.Time) error {
	refunds, err := PlanRefund(auth.Contributions, refund)
	if err != nil {
		return err
	}

	for i, c := range auth.Contributions {
		p, ok := pools[c.PoolID]
		if !ok {
			return fmt.Errorf("%w: pool %d of authorization %s is missing", ErrInvariantViolation, c.PoolID, auth.ID)
		}

		spent := c.Amount.Sub(refunds[i])
		if spent.IsPositive() {
			p, _, err = applyDelta(ctx, tx, p, Mutation{
				Type:            EntryDecrease,
				From:            FieldFrozen,
				Amount:          spent,
				Reason:          ReasonSettle,
				RequestID:       requestID,
				AuthorizationID: &auth.ID,
			}, now)
			if err != nil {
				return l.invariant(auth, err)
			}
		}
		if refunds[i].IsPositive() {
			p, _, err = applyDelta(ctx, tx, p, Mutation{
				Type:            EntryUnfreeze,
				Amount:          refunds[i],
				Reason:          ReasonRefund,
				RequestID:       requestID,
				AuthorizationID: &auth.ID,
			}, now)
			if err != nil {
				return l.invariant(auth, err)
			}
		}
		pools[c.PoolID] = p
	}
	return nil
}

// drawShortfall charges the part of the actual cost that exceeded the
// reservation directly from available balances of the eligible pools, in
// allocation order. Nothing is drawn unless the full amount is covered.
func (l *Ledger) drawShortfall(ctx context.Context, tx Tx, auth Authorization, pools map[int64]Pool, amount decimal.Decimal, requestID *string, now time.Time) (decimal.Decimal, error) {
	current := make([]Pool, 0, len(pools))
	for _, p := range pools {
		current = append(current, p)
	}
	ordered := l.policy.Order(eligiblePools(current, auth.ModelID, now))

	plan, err := PlanWithdrawal(ordered, amount)
	if err != nil {
		return decimal.Zero, err
	}

	for _, c := range plan {
		next, _, err := applyDelta(ctx, tx, pools[c.PoolID], Mutation{
			Type:            EntryDecrease,
			From:            FieldAvailable,
			Amount:          c.Amount,
			Reason:          ReasonShortfall,
			RequestID:       requestID,
			AuthorizationID: &auth.ID,
		}, now)
		if err != nil {
			return decimal.Zero, err
		}
		pools[c.PoolID] = next
	}
	return amount, nil
}

func availableTotal(pools map[int64]Pool) decimal.Decimal {
	total := decimal.Zero
	for _, p := range pools {
		total = total.Add(p.Available)
	}
	return total
}
