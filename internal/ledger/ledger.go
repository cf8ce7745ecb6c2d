// Package ledger keeps the append-only record of farmer contributions per pool.
// It is the only source for a pool's current amount.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"AgriPool/internal/model"

	"github.com/shopspring/decimal"
)

// Ledger holds contributions in memory, keyed by pool. Entries are never
// removed; a quit flips an entry to WITHDRAWN.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string][]*model.Contribution
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string][]*model.Contribution)}
}

// Append records a new ACTIVE contribution.
func (l *Ledger) Append(poolID, farmerID string, amount decimal.Decimal, at time.Time) (model.Contribution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.prepareAppendLocked(poolID, farmerID, amount, at)
	if err != nil {
		return model.Contribution{}, err
	}
	l.applyLocked(c)
	return c, nil
}

// Withdraw marks the farmer's ACTIVE contribution as WITHDRAWN.
func (l *Ledger) Withdraw(poolID, farmerID string, at time.Time) (model.Contribution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := l.prepareWithdrawLocked(poolID, farmerID, at)
	if err != nil {
		return model.Contribution{}, err
	}
	l.applyLocked(c)
	return c, nil
}

// PrepareAppend returns the contribution Append would record, without writing it.
func (l *Ledger) PrepareAppend(poolID, farmerID string, amount decimal.Decimal, at time.Time) (model.Contribution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prepareAppendLocked(poolID, farmerID, amount, at)
}

// PrepareWithdraw returns the contribution Withdraw would produce, without writing it.
func (l *Ledger) PrepareWithdraw(poolID, farmerID string, at time.Time) (model.Contribution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prepareWithdrawLocked(poolID, farmerID, at)
}

// Apply writes a prepared contribution. A contribution whose ID already exists
// replaces that entry; otherwise it is appended.
func (l *Ledger) Apply(c model.Contribution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applyLocked(c)
}

// Restore loads a persisted contribution during recovery.
func (l *Ledger) Restore(c model.Contribution) {
	l.Apply(c)
}

// SumActive returns the total of ACTIVE contributions for the pool.
// Decisions must only be based on this value inside the pool's serialized section.
func (l *Ledger) SumActive(poolID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := decimal.Zero
	for _, c := range l.entries[poolID] {
		if c.Active() {
			sum = sum.Add(c.Amount)
		}
	}
	return sum
}

// ActiveFor returns the farmer's ACTIVE contribution in the pool, if any.
func (l *Ledger) ActiveFor(poolID, farmerID string) (model.Contribution, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if c := l.findActiveLocked(poolID, farmerID); c != nil {
		return *c, true
	}
	return model.Contribution{}, false
}

// Active returns the ACTIVE contributions for the pool in join order.
func (l *Ledger) Active(poolID string) []model.Contribution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Contribution
	for _, c := range l.entries[poolID] {
		if c.Active() {
			out = append(out, *c)
		}
	}
	return out
}

// History returns every contribution ever recorded for the pool in join order.
func (l *Ledger) History(poolID string) []model.Contribution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.Contribution, 0, len(l.entries[poolID]))
	for _, c := range l.entries[poolID] {
		cp := *c
		if c.WithdrawnAt != nil {
			t := *c.WithdrawnAt
			cp.WithdrawnAt = &t
		}
		out = append(out, cp)
	}
	return out
}

// ActiveCount returns the number of ACTIVE contributions for the pool.
func (l *Ledger) ActiveCount(poolID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, c := range l.entries[poolID] {
		if c.Active() {
			n++
		}
	}
	return n
}

func (l *Ledger) prepareAppendLocked(poolID, farmerID string, amount decimal.Decimal, at time.Time) (model.Contribution, error) {
	if poolID == "" || farmerID == "" {
		return model.Contribution{}, model.InvalidRequestf("pool id and farmer id are required")
	}
	if !amount.IsPositive() {
		return model.Contribution{}, model.InvalidRequestf("amount must be positive, got %s", amount)
	}
	if l.findActiveLocked(poolID, farmerID) != nil {
		return model.Contribution{}, fmt.Errorf("farmer %s in pool %s: %w", farmerID, poolID, model.ErrDuplicateContribution)
	}
	return model.Contribution{
		ID:       int64(len(l.entries[poolID]) + 1),
		PoolID:   poolID,
		FarmerID: farmerID,
		Amount:   amount,
		Status:   model.ContributionActive,
		JoinedAt: at,
	}, nil
}

func (l *Ledger) prepareWithdrawLocked(poolID, farmerID string, at time.Time) (model.Contribution, error) {
	c := l.findActiveLocked(poolID, farmerID)
	if c == nil {
		return model.Contribution{}, fmt.Errorf("farmer %s in pool %s: %w", farmerID, poolID, model.ErrNoActiveContribution)
	}
	out := *c
	withdrawnAt := at
	out.Status = model.ContributionWithdrawn
	out.WithdrawnAt = &withdrawnAt
	return out, nil
}

func (l *Ledger) applyLocked(c model.Contribution) {
	entries := l.entries[c.PoolID]
	for i, existing := range entries {
		if existing.ID == c.ID {
			cp := c
			entries[i] = &cp
			return
		}
	}
	cp := c
	l.entries[c.PoolID] = append(entries, &cp)
}

func (l *Ledger) findActiveLocked(poolID, farmerID string) *model.Contribution {
	for _, c := range l.entries[poolID] {
		if c.FarmerID == farmerID && c.Active() {
			return c
		}
	}
	return nil
}
