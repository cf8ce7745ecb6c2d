// Package converter turns a matched pool into exactly one consolidated
// financing-application request for the downstream financing system.
package converter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"AgriPool/internal/model"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Converter emits applications and remembers which pools already have one.
// Emit and Record are called by the coordinator inside the pool's serialized
// section; Record runs only after the APPLIED transition is durable.
type Converter struct {
	intake Intake
	log    *zap.Logger

	mu     sync.RWMutex
	issued map[string]model.Application
}

// New creates a Converter that submits through intake.
func New(intake Intake, log *zap.Logger) *Converter {
	return &Converter{
		intake: intake,
		log:    log,
		issued: make(map[string]model.Application),
	}
}

// BuildRequest assembles the consolidated request from a pool and its ACTIVE contributions.
func BuildRequest(p model.Pool, active []model.Contribution) model.ApplicationRequest {
	members := make([]model.ApplicationMember, 0, len(active))
	for _, c := range active {
		if !c.Active() {
			continue
		}
		members = append(members, model.ApplicationMember{FarmerID: c.FarmerID, Amount: c.Amount})
	}
	return model.ApplicationRequest{
		PoolID:       p.ID,
		TargetAmount: p.TargetAmount,
		Purpose:      p.Purpose,
		CropType:     p.CropType,
		Region:       p.Region,
		Members:      members,
	}
}

// Emit returns the pool's application, submitting it downstream unless one is
// already recorded. The second return value is false when nothing was sent.
func (c *Converter) Emit(ctx context.Context, p model.Pool, active []model.Contribution, at time.Time) (model.Application, bool, error) {
	if app, ok := c.Lookup(p.ID); ok {
		return app, false, nil
	}
	if p.State != model.PoolMatched {
		return model.Application{}, false, fmt.Errorf("convert pool %s in state %s: %w", p.ID, p.State, model.ErrIllegalTransition)
	}

	req := BuildRequest(p, active)
	total := decimal.Zero
	for _, m := range req.Members {
		total = total.Add(m.Amount)
	}
	if !total.Equal(p.TargetAmount) {
		return model.Application{}, false, fmt.Errorf("pool %s members total %s, target %s: %w",
			p.ID, total, p.TargetAmount, model.ErrIllegalTransition)
	}

	id, err := c.intake.Submit(ctx, req)
	if err != nil {
		c.log.Error("application emission failed",
			zap.String("pool_id", p.ID), zap.String("intake", c.intake.Name()), zap.Error(err))
		return model.Application{}, false, fmt.Errorf("pool %s via %s: %v: %w", p.ID, c.intake.Name(), err, model.ErrConversionTransport)
	}
	return model.Application{
		PoolID:        p.ID,
		ApplicationID: id,
		Amount:        total,
		MemberCount:   len(req.Members),
		SubmittedAt:   at,
	}, true, nil
}

// Record remembers a durable application so later conversions are no-ops.
func (c *Converter) Record(app model.Application) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued[app.PoolID] = app
}

// Lookup returns the recorded application for a pool.
func (c *Converter) Lookup(poolID string) (model.Application, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.issued[poolID]
	return app, ok
}

// IntakeName names the configured downstream.
func (c *Converter) IntakeName() string { return c.intake.Name() }
