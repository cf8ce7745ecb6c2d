// Package lifecycle holds the pool state machine:
//
//	MATCHING -> MATCHED -> APPLIED
//	MATCHING -> FAILED
//
// Every check here is meant to run inside the coordinator's serialized
// section for the pool being evaluated.
package lifecycle

import (
	"fmt"
	"time"

	"AgriPool/internal/model"

	"github.com/shopspring/decimal"
)

var edges = map[model.PoolState][]model.PoolState{
	model.PoolMatching: {model.PoolMatched, model.PoolFailed},
	model.PoolMatched:  {model.PoolApplied},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to model.PoolState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves p to state to, stamping UpdatedAt.
func Transition(p *model.Pool, to model.PoolState, at time.Time) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("pool %s %s -> %s: %w", p.ID, p.State, to, model.ErrIllegalTransition)
	}
	p.State = to
	p.UpdatedAt = at
	return nil
}

// CheckOpen fails unless p accepts joins and quits at now.
func CheckOpen(p model.Pool, now time.Time) error {
	if p.State != model.PoolMatching {
		return fmt.Errorf("pool %s is %s: %w", p.ID, p.State, model.ErrPoolNotMatching)
	}
	if p.Expired(now) {
		return fmt.Errorf("pool %s expired at %s: %w", p.ID, p.ExpiresAt.Format(time.RFC3339), model.ErrPoolExpired)
	}
	return nil
}

// CheckCapacity rejects an amount larger than the remaining gap given the
// current active sum. Amounts are never truncated to fit.
func CheckCapacity(p model.Pool, activeSum, amount decimal.Decimal) error {
	remaining := p.TargetAmount.Sub(activeSum)
	if amount.GreaterThan(remaining) {
		return &model.CapacityExceededError{Requested: amount, Remaining: remaining}
	}
	return nil
}

// Settle stores the reconciled active sum on p and moves it to MATCHED when
// the target is reached. It reports whether the pool matched.
func Settle(p *model.Pool, activeSum decimal.Decimal, at time.Time) (bool, error) {
	if activeSum.GreaterThan(p.TargetAmount) {
		return false, fmt.Errorf("pool %s active sum %s above target %s: %w",
			p.ID, activeSum, p.TargetAmount, model.ErrCapacityExceeded)
	}
	p.CurrentAmount = activeSum
	p.UpdatedAt = at
	if p.State == model.PoolMatching && activeSum.Equal(p.TargetAmount) {
		if err := Transition(p, model.PoolMatched, at); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Fail moves a MATCHING pool to FAILED with the given reason.
func Fail(p *model.Pool, reason model.FailureReason, at time.Time) error {
	if err := Transition(p, model.PoolFailed, at); err != nil {
		return err
	}
	p.FailureReason = reason
	return nil
}
