// Package service exposes the pooling operations to the transport layer and
// the operator chat. It fills request defaults and builds read projections;
// every mutation goes through the coordinator.
package service

import (
	"context"
	"strings"
	"time"

	"AgriPool/internal/coordinator"
	"AgriPool/internal/model"
	"AgriPool/internal/notifier"
	"AgriPool/internal/registry"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Settings are the pooling defaults taken from config.
type Settings struct {
	DefaultTarget    decimal.Decimal
	MinTarget        decimal.Decimal
	MatchWindow      time.Duration
	OperationTimeout time.Duration // bounds the wait for a pool's serialization unit
}

type Service struct {
	coord    *coordinator.Coordinator
	settings Settings
	log      *zap.Logger
}

func New(coord *coordinator.Coordinator, settings Settings, log *zap.Logger) *Service {
	return &Service{coord: coord, settings: settings, log: log}
}

// StartMatchInput is a farmer's request to open a pool. Zero-valued
// optional fields take the configured defaults.
type StartMatchInput struct {
	FarmerID     string           `json:"farmerId"`
	Amount       decimal.Decimal  `json:"amount"`
	Purpose      string           `json:"purpose,omitempty"`
	CropType     string           `json:"cropType,omitempty"`
	Region       string           `json:"region,omitempty"`
	TargetAmount *decimal.Decimal `json:"targetAmount,omitempty"`
	ExpiresAt    *time.Time       `json:"expiresAt,omitempty"`
}

func (s *Service) StartMatch(ctx context.Context, in StartMatchInput) (model.Pool, error) {
	target := s.settings.DefaultTarget
	if in.TargetAmount != nil {
		target = *in.TargetAmount
		if target.LessThan(s.settings.MinTarget) {
			return model.Pool{}, model.InvalidRequestf("target amount %s is below the minimum %s", target, s.settings.MinTarget)
		}
	}
	expiresAt := s.coord.Now().Add(s.settings.MatchWindow)
	if in.ExpiresAt != nil {
		expiresAt = *in.ExpiresAt
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.coord.StartMatch(ctx, coordinator.CreateRequest{
		FarmerID:     strings.TrimSpace(in.FarmerID),
		Amount:       in.Amount,
		TargetAmount: target,
		Purpose:      in.Purpose,
		CropType:     in.CropType,
		Region:       in.Region,
		ExpiresAt:    expiresAt,
	})
}

// CandidateQuery filters and pages FindCandidates.
type CandidateQuery struct {
	Amount   decimal.Decimal
	CropType string
	Region   string
	Offset   int
	Limit    int
}

// FindCandidates lists joinable pools that can take the amount, closest to
// completion first. The result is advisory.
func (s *Service) FindCandidates(_ context.Context, q CandidateQuery) ([]model.PoolSummary, error) {
	if !q.Amount.IsPositive() {
		return nil, model.InvalidRequestf("amount must be positive, got %s", q.Amount)
	}
	if q.Offset < 0 {
		return nil, model.InvalidRequestf("offset must not be negative")
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultPageSize
	case q.Limit > MaxPageSize:
		q.Limit = MaxPageSize
	}

	seq := s.coord.Candidates(registry.Query{Amount: q.Amount, CropType: q.CropType, Region: q.Region})
	page := registry.Page(seq, q.Offset, q.Limit)
	out := make([]model.PoolSummary, 0, len(page))
	for _, p := range page {
		out = append(out, s.summary(p))
	}
	return out, nil
}

// OpenPools lists every MATCHING pool, oldest first.
func (s *Service) OpenPools() []model.PoolSummary {
	open := s.coord.Open()
	out := make([]model.PoolSummary, 0, len(open))
	for _, p := range open {
		out = append(out, s.summary(p))
	}
	return out
}

func (s *Service) summary(p model.Pool) model.PoolSummary {
	return model.PoolSummary{
		ID:            p.ID,
		TargetAmount:  p.TargetAmount,
		CurrentAmount: p.CurrentAmount,
		RemainingGap:  p.RemainingGap(),
		Purpose:       p.Purpose,
		CropType:      p.CropType,
		Region:        p.Region,
		MemberCount:   s.coord.MemberCount(p.ID),
		ExpiresAt:     p.ExpiresAt,
	}
}

// GetPool returns the pool with its contribution history, read as one
// consistent snapshot.
func (s *Service) GetPool(ctx context.Context, poolID string) (model.PoolDetail, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.coord.Detail(ctx, poolID)
}

func (s *Service) Join(ctx context.Context, poolID, farmerID string, amount decimal.Decimal) (model.Pool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.coord.Join(ctx, poolID, strings.TrimSpace(farmerID), amount)
}

func (s *Service) Quit(ctx context.Context, poolID, farmerID string) (model.Pool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.coord.Quit(ctx, poolID, strings.TrimSpace(farmerID))
}

// GetResult projects the pool onto the result-screen view.
func (s *Service) GetResult(ctx context.Context, poolID string) (model.PoolResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	d, err := s.coord.Detail(ctx, poolID)
	if err != nil {
		return model.PoolResult{}, err
	}
	return model.PoolResult{
		PoolID:        d.ID,
		Status:        model.ResultStatusOf(d.State),
		MergedAmount:  d.CurrentAmount,
		ApplicationID: d.ApplicationID,
	}, nil
}

// Cancel fails a MATCHING pool. Operator only.
func (s *Service) Cancel(ctx context.Context, poolID string) (model.Pool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.coord.Cancel(ctx, poolID)
}

// Convert retries emission for a MATCHED pool, or returns the existing
// application of an APPLIED one. Operator only.
func (s *Service) Convert(ctx context.Context, poolID string) (model.Application, error) {
	return s.coord.Convert(ctx, poolID)
}

// Events returns the pool's audit trail.
func (s *Service) Events(ctx context.Context, poolID string) ([]model.PoolEvent, error) {
	return s.coord.Events(ctx, poolID)
}

// HandleCommand answers operator chat commands.
func (s *Service) HandleCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return notifier.FormatHelp()
	}
	switch fields[0] {
	case "/open":
		return notifier.FormatOpenPools(s.OpenPools())
	case "/pool":
		if len(fields) < 2 {
			return "Usage: /pool &lt;id&gt;"
		}
		d, err := s.GetPool(context.Background(), fields[1])
		if err != nil {
			s.log.Debug("pool command failed", zap.String("pool_id", fields[1]), zap.Error(err))
			return "❌ " + err.Error()
		}
		return notifier.FormatPoolDetail(d)
	default:
		return notifier.FormatHelp()
	}
}

// Digest formats the open-pool listing for the scheduled operator digest.
func (s *Service) Digest() string {
	return notifier.FormatOpenPools(s.OpenPools())
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.settings.OperationTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.settings.OperationTimeout)
}
