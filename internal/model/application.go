package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ApplicationMember is one (farmer, amount) line of a consolidated application.
type ApplicationMember struct {
	FarmerID string          `json:"farmerId"`
	Amount   decimal.Decimal `json:"amount"`
}

// ApplicationRequest is the consolidated financing request sent downstream.
type ApplicationRequest struct {
	PoolID       string              `json:"poolId"`
	TargetAmount decimal.Decimal     `json:"targetAmount"`
	Purpose      string              `json:"purpose,omitempty"`
	CropType     string              `json:"cropType,omitempty"`
	Region       string              `json:"region,omitempty"`
	Members      []ApplicationMember `json:"members"`
}

// Application records a successful emission for a pool.
type Application struct {
	PoolID        string          `json:"poolId"`
	ApplicationID string          `json:"applicationId"`
	Amount        decimal.Decimal `json:"amount"`
	MemberCount   int             `json:"memberCount"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// EventType labels an audit event.
type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventJoined    EventType = "JOINED"
	EventQuitted   EventType = "QUITTED"
	EventMatched   EventType = "MATCHED"
	EventApplied   EventType = "APPLIED"
	EventExpired   EventType = "EXPIRED"
	EventCancelled EventType = "CANCELLED"
)

// PoolEvent is one committed mutation of a pool.
type PoolEvent struct {
	Type     EventType       `json:"type"`
	PoolID   string          `json:"poolId"`
	FarmerID string          `json:"farmerId,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	State    PoolState       `json:"state"`
	Version  int64           `json:"version"`
	At       time.Time       `json:"at"`
	Note     string          `json:"note,omitempty"`
}
