package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContributionStatus is ACTIVE until the farmer quits.
type ContributionStatus string

const (
	ContributionActive    ContributionStatus = "ACTIVE"
	ContributionWithdrawn ContributionStatus = "WITHDRAWN"
)

// Contribution is one farmer's stake in a pool. Amount never changes after join.
type Contribution struct {
	ID          int64              `json:"id"` // ledger sequence within the pool, starting at 1
	PoolID      string             `json:"poolId"`
	FarmerID    string             `json:"farmerId"`
	Amount      decimal.Decimal    `json:"amount"`
	Status      ContributionStatus `json:"status"`
	JoinedAt    time.Time          `json:"joinedAt"`
	WithdrawnAt *time.Time         `json:"withdrawnAt,omitempty"`
}

// Active reports whether the contribution counts toward the pool total.
func (c Contribution) Active() bool {
	return c.Status == ContributionActive
}
