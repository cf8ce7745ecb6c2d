package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolState is the lifecycle state of a pool.
type PoolState string

const (
	PoolMatching PoolState = "MATCHING"
	PoolMatched  PoolState = "MATCHED"
	PoolApplied  PoolState = "APPLIED"
	PoolFailed   PoolState = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s PoolState) Terminal() bool {
	return s == PoolApplied || s == PoolFailed
}

// FailureReason explains why a pool ended in FAILED.
type FailureReason string

const (
	FailureNone      FailureReason = ""
	FailureExpired   FailureReason = "EXPIRED"
	FailureCancelled FailureReason = "CANCELLED"
)

// Pool is one joint-financing attempt.
type Pool struct {
	ID            string          `json:"id"`
	TargetAmount  decimal.Decimal `json:"targetAmount"`
	CurrentAmount decimal.Decimal `json:"currentAmount"` // sum of ACTIVE contributions
	State         PoolState       `json:"state"`
	FailureReason FailureReason   `json:"failureReason,omitempty"`
	Purpose       string          `json:"purpose,omitempty"`
	CropType      string          `json:"cropType,omitempty"`
	Region        string          `json:"region,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Version       int64           `json:"version"`
}

// RemainingGap is TargetAmount - CurrentAmount.
func (p Pool) RemainingGap() decimal.Decimal {
	return p.TargetAmount.Sub(p.CurrentAmount)
}

// Expired reports whether the join window has closed at now.
func (p Pool) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// PoolSummary is the discovery projection of a pool.
type PoolSummary struct {
	ID            string          `json:"id"`
	TargetAmount  decimal.Decimal `json:"targetAmount"`
	CurrentAmount decimal.Decimal `json:"currentAmount"`
	RemainingGap  decimal.Decimal `json:"remainingGap"`
	Purpose       string          `json:"purpose,omitempty"`
	CropType      string          `json:"cropType,omitempty"`
	Region        string          `json:"region,omitempty"`
	MemberCount   int             `json:"memberCount"`
	ExpiresAt     time.Time       `json:"expiresAt"`
}

// PoolDetail is a pool together with its full contribution history.
type PoolDetail struct {
	Pool
	RemainingGap  decimal.Decimal `json:"remainingGap"`
	Contributions []Contribution  `json:"contributions"`
	ApplicationID string          `json:"applicationId,omitempty"`
}

// ResultStatus is the simplified outcome shown on result screens.
type ResultStatus string

const (
	ResultMatching ResultStatus = "matching"
	ResultSuccess  ResultStatus = "success"
	ResultFailed   ResultStatus = "failed"
)

// PoolResult is the result-screen projection of a pool.
type PoolResult struct {
	PoolID        string          `json:"poolId"`
	Status        ResultStatus    `json:"status"`
	MergedAmount  decimal.Decimal `json:"mergedAmount"`
	ApplicationID string          `json:"applicationId,omitempty"`
}

// ResultStatusOf maps a lifecycle state onto a result status.
func ResultStatusOf(s PoolState) ResultStatus {
	switch s {
	case PoolMatched, PoolApplied:
		return ResultSuccess
	case PoolFailed:
		return ResultFailed
	default:
		return ResultMatching
	}
}
