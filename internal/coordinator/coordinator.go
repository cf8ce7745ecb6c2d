// Package coordinator is the only writer of pool amounts and states. Every
// mutation of a pool runs inside that pool's serialization unit: validate,
// prepare the ledger record, commit it durably, then apply it in memory.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"AgriPool/internal/converter"
	"AgriPool/internal/ledger"
	"AgriPool/internal/lifecycle"
	"AgriPool/internal/metrics"
	"AgriPool/internal/model"
	"AgriPool/internal/registry"
	"AgriPool/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Expiry arms and disarms the per-pool deadline timers.
type Expiry interface {
	Arm(poolID string, at time.Time)
	Disarm(poolID string)
}

// Observer is told about every committed pool event. Implementations must
// not block; they run inside the pool's serialization unit.
type Observer interface {
	OnPoolEvent(p model.Pool, evt model.PoolEvent)
}

type noExpiry struct{}

func (noExpiry) Arm(string, time.Time) {}
func (noExpiry) Disarm(string)         {}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithIDGenerator replaces the uuid pool id generator.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// WithExpiry wires the expiry timers.
func WithExpiry(e Expiry) Option {
	return func(c *Coordinator) { c.expiry = e }
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// Coordinator serializes join, quit, expiry, cancellation and conversion per pool.
type Coordinator struct {
	ledger    *ledger.Ledger
	registry  *registry.Registry
	store     store.Store
	converter *converter.Converter
	locks     *lockTable

	log       *zap.Logger
	now       func() time.Time
	newID     func() string
	expiry    Expiry
	observers []Observer
}

// New creates a Coordinator over the given components.
func New(l *ledger.Ledger, r *registry.Registry, s store.Store, conv *converter.Converter, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:    l,
		registry:  r,
		store:     s,
		converter: conv,
		locks:     newLockTable(),
		log:       zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
		expiry:    noExpiry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRequest describes a new pool and its seed contribution.
type CreateRequest struct {
	FarmerID     string
	Amount       decimal.Decimal
	TargetAmount decimal.Decimal
	Purpose      string
	CropType     string
	Region       string
	ExpiresAt    time.Time
}

// StartMatch creates a MATCHING pool seeded with the caller's contribution.
// The pool row and the first contribution are committed together.
func (c *Coordinator) StartMatch(ctx context.Context, req CreateRequest) (p model.Pool, err error) {
	defer func() { c.record("start", err) }()

	now := c.now()
	switch {
	case req.FarmerID == "":
		return model.Pool{}, model.InvalidRequestf("farmer id is required")
	case !req.TargetAmount.IsPositive():
		return model.Pool{}, model.InvalidRequestf("target amount must be positive, got %s", req.TargetAmount)
	case !req.Amount.IsPositive():
		return model.Pool{}, model.InvalidRequestf("amount must be positive, got %s", req.Amount)
	case !req.Amount.LessThan(req.TargetAmount):
		return model.Pool{}, model.InvalidRequestf("seed amount %s must be below the target %s", req.Amount, req.TargetAmount)
	case !req.ExpiresAt.After(now):
		return model.Pool{}, model.InvalidRequestf("expiry %s is not in the future", req.ExpiresAt.Format(time.RFC3339))
	}

	p = model.Pool{
		ID:            c.newID(),
		TargetAmount:  req.TargetAmount,
		CurrentAmount: decimal.Zero,
		State:         model.PoolMatching,
		Purpose:       req.Purpose,
		CropType:      req.CropType,
		Region:        req.Region,
		CreatedAt:     now,
		ExpiresAt:     req.ExpiresAt,
		UpdatedAt:     now,
	}

	release, err := c.acquire(ctx, p.ID)
	if err != nil {
		return model.Pool{}, err
	}
	defer release()

	contrib, err := c.ledger.PrepareAppend(p.ID, req.FarmerID, req.Amount, now)
	if err != nil {
		return model.Pool{}, err
	}
	if _, err := lifecycle.Settle(&p, req.Amount, now); err != nil {
		return model.Pool{}, err
	}
	p.Version = 1

	evt := c.event(model.EventCreated, p, req.FarmerID, req.Amount, now)
	if err := c.store.Commit(ctx, store.Commit{Pool: p, Contribution: &contrib, Events: []model.PoolEvent{evt}}); err != nil {
		return model.Pool{}, fmt.Errorf("create pool %s: %w", p.ID, err)
	}
	if err := c.registry.Insert(p); err != nil {
		return model.Pool{}, err
	}
	c.ledger.Apply(contrib)
	c.expiry.Arm(p.ID, p.ExpiresAt)

	c.log.Info("pool created",
		zap.String("pool_id", p.ID),
		zap.String("farmer_id", req.FarmerID),
		zap.String("amount", req.Amount.String()),
		zap.String("target", p.TargetAmount.String()),
		zap.Time("expires_at", p.ExpiresAt))
	metrics.RecordTransition(string(model.PoolMatching))
	c.publish(p, evt)
	return p, nil
}

// Join adds the farmer's contribution. A join that fills the pool exactly
// matches it and emits the financing application before returning; if that
// emission fails the pool stays MATCHED for the retry sweep and Join still
// succeeds.
func (c *Coordinator) Join(ctx context.Context, poolID, farmerID string, amount decimal.Decimal) (p model.Pool, err error) {
	defer func() { c.record("join", err) }()

	if farmerID == "" {
		return model.Pool{}, model.InvalidRequestf("farmer id is required")
	}
	if !amount.IsPositive() {
		return model.Pool{}, model.InvalidRequestf("amount must be positive, got %s", amount)
	}

	release, err := c.acquire(ctx, poolID)
	if err != nil {
		return model.Pool{}, err
	}
	defer release()

	cur, err := c.registry.Get(poolID)
	if err != nil {
		return model.Pool{}, err
	}
	now := c.now()
	if err := lifecycle.CheckOpen(cur, now); err != nil {
		return model.Pool{}, err
	}
	contrib, err := c.ledger.PrepareAppend(poolID, farmerID, amount, now)
	if err != nil {
		return model.Pool{}, err
	}
	sum := c.ledger.SumActive(poolID)
	if err := lifecycle.CheckCapacity(cur, sum, amount); err != nil {
		return model.Pool{}, fmt.Errorf("join pool %s: %w", poolID, err)
	}

	next := cur
	matched, err := lifecycle.Settle(&next, sum.Add(amount), now)
	if err != nil {
		return model.Pool{}, err
	}
	events := []model.PoolEvent{c.event(model.EventJoined, next, farmerID, amount, now)}
	if matched {
		events = append(events, c.event(model.EventMatched, next, "", next.CurrentAmount, now))
	}
	if next, err = c.commit(ctx, cur, next, &contrib, nil, events...); err != nil {
		return model.Pool{}, err
	}

	c.log.Info("farmer joined pool",
		zap.String("pool_id", poolID),
		zap.String("farmer_id", farmerID),
		zap.String("amount", amount.String()),
		zap.String("current", next.CurrentAmount.String()),
		zap.String("state", string(next.State)))

	if !matched {
		return next, nil
	}
	c.expiry.Disarm(poolID)
	// The requester hanging up must not abandon a matched pool halfway through emission.
	if applied, _, err := c.convertLocked(context.WithoutCancel(ctx), next); err == nil {
		next = applied
	}
	return next, nil
}

// Quit withdraws the farmer's ACTIVE contribution from a MATCHING pool.
func (c *Coordinator) Quit(ctx context.Context, poolID, farmerID string) (p model.Pool, err error) {
	defer func() { c.record("quit", err) }()

	if farmerID == "" {
		return model.Pool{}, model.InvalidRequestf("farmer id is required")
	}

	release, err := c.acquire(ctx, poolID)
	if err != nil {
		return model.Pool{}, err
	}
	defer release()

	cur, err := c.registry.Get(poolID)
	if err != nil {
		return model.Pool{}, err
	}
	now := c.now()
	if err := lifecycle.CheckOpen(cur, now); err != nil {
		return model.Pool{}, err
	}
	contrib, err := c.ledger.PrepareWithdraw(poolID, farmerID, now)
	if err != nil {
		return model.Pool{}, err
	}

	next := cur
	if _, err := lifecycle.Settle(&next, c.ledger.SumActive(poolID).Sub(contrib.Amount), now); err != nil {
		return model.Pool{}, err
	}
	evt := c.event(model.EventQuitted, next, farmerID, contrib.Amount, now)
	if next, err = c.commit(ctx, cur, next, &contrib, nil, evt); err != nil {
		return model.Pool{}, err
	}

	c.log.Info("farmer quit pool",
		zap.String("pool_id", poolID),
		zap.String("farmer_id", farmerID),
		zap.String("amount", contrib.Amount.String()),
		zap.String("current", next.CurrentAmount.String()))
	return next, nil
}

// Expire fails a MATCHING pool whose deadline has passed. It is a no-op for
// pools that already left MATCHING, so a late timer is harmless.
func (c *Coordinator) Expire(ctx context.Context, poolID string) (err error) {
	defer func() { c.record("expire", err) }()

	release, err := c.acquire(ctx, poolID)
	if err != nil {
		return err
	}
	defer release()

	cur, err := c.registry.Get(poolID)
	if err != nil {
		return err
	}
	if cur.State != model.PoolMatching {
		return nil
	}
	now := c.now()
	if !cur.Expired(now) {
		c.expiry.Arm(poolID, cur.ExpiresAt)
		return nil
	}
	return c.failLocked(ctx, cur, model.FailureExpired, model.EventExpired, now)
}

// Cancel fails a MATCHING pool on operator request.
func (c *Coordinator) Cancel(ctx context.Context, poolID string) (p model.Pool, err error) {
	defer func() { c.record("cancel", err) }()

	release, err := c.acquire(ctx, poolID)
	if err != nil {
		return model.Pool{}, err
	}
	defer release()

	cur, err := c.registry.Get(poolID)
	if err != nil {
		return model.Pool{}, err
	}
	if cur.State != model.PoolMatching {
		return model.Pool{}, fmt.Errorf("cancel pool %s in state %s: %w", poolID, cur.State, model.ErrPoolNotMatching)
	}
	if err := c.failLocked(ctx, cur, model.FailureCancelled, model.EventCancelled, c.now()); err != nil {
		return model.Pool{}, err
	}
	return c.registry.Get(poolID)
}

func (c *Coordinator) failLocked(ctx context.Context, cur model.Pool, reason model.FailureReason, typ model.EventType, now time.Time) error {
	next := cur
	if err := lifecycle.Fail(&next, reason, now); err != nil {
		return err
	}
	evt := c.event(typ, next, "", next.CurrentAmount, now)
	evt.Note = string(reason)
	if _, err := c.commit(ctx, cur, next, nil, nil, evt); err != nil {
		return err
	}
	c.expiry.Disarm(cur.ID)

	c.log.Info("pool failed",
		zap.String("pool_id", cur.ID),
		zap.String("reason", string(reason)),
		zap.String("current", next.CurrentAmount.String()),
		zap.String("target", next.TargetAmount.String()),
		zap.Int("released_contributions", c.ledger.ActiveCount(cur.ID)))
	return nil
}

// Convert emits the application for a MATCHED pool. For an APPLIED pool it
// returns the recorded application without contacting the downstream.
func (c *Coordinator) Convert(ctx context.Context, poolID string) (app model.Application, err error) {
	defer func() { c.record("convert", err) }()

	release, err := c.acquire(ctx, poolID)
	if err != nil {
		return model.Application{}, err
	}
	defer release()

	cur, err := c.registry.Get(poolID)
	if err != nil {
		return model.Application{}, err
	}
	switch cur.State {
	case model.PoolApplied:
		if app, ok := c.converter.Lookup(poolID); ok {
			return app, nil
		}
		return model.Application{}, fmt.Errorf("pool %s applied without a recorded application: %w", poolID, model.ErrIllegalTransition)
	case model.PoolMatched:
		_, app, err := c.convertLocked(context.WithoutCancel(ctx), cur)
		return app, err
	default:
		return model.Application{}, fmt.Errorf("convert pool %s in state %s: %w", poolID, cur.State, model.ErrPoolNotMatching)
	}
}

// convertLocked emits the application and commits MATCHED -> APPLIED together
// with the application record.
func (c *Coordinator) convertLocked(ctx context.Context, cur model.Pool) (model.Pool, model.Application, error) {
	now := c.now()
	app, _, err := c.converter.Emit(ctx, cur, c.ledger.Active(cur.ID), now)
	if err != nil {
		metrics.RecordConversion(false)
		return cur, model.Application{}, err
	}

	next := cur
	if err := lifecycle.Transition(&next, model.PoolApplied, now); err != nil {
		return cur, model.Application{}, err
	}
	evt := c.event(model.EventApplied, next, "", app.Amount, now)
	evt.Note = app.ApplicationID
	if next, err = c.commit(ctx, cur, next, nil, &app, evt); err != nil {
		metrics.RecordConversion(false)
		c.log.Error("application issued but APPLIED not persisted",
			zap.String("pool_id", cur.ID), zap.String("application_id", app.ApplicationID), zap.Error(err))
		return cur, model.Application{}, err
	}
	metrics.RecordConversion(true)

	c.log.Info("pool applied",
		zap.String("pool_id", cur.ID),
		zap.String("application_id", app.ApplicationID),
		zap.String("amount", app.Amount.String()),
		zap.Int("members", app.MemberCount))
	return next, app, nil
}

// commit persists next (with the optional contribution and application) and
// only then applies it to the ledger, registry and converter. Versions and
// event versions are stamped here.
func (c *Coordinator) commit(ctx context.Context, cur, next model.Pool, contrib *model.Contribution, app *model.Application, events ...model.PoolEvent) (model.Pool, error) {
	next.Version = cur.Version + 1
	for i := range events {
		events[i].Version = next.Version
		events[i].State = next.State
	}

	err := c.store.Commit(ctx, store.Commit{
		Pool:         next,
		PrevVersion:  cur.Version,
		Contribution: contrib,
		Application:  app,
		Events:       events,
	})
	if err != nil {
		c.log.Error("pool commit failed",
			zap.String("pool_id", cur.ID), zap.Int64("version", cur.Version), zap.Error(err))
		return cur, fmt.Errorf("commit pool %s: %w", cur.ID, err)
	}

	if contrib != nil {
		c.ledger.Apply(*contrib)
	}
	if app != nil {
		c.converter.Record(*app)
	}
	if err := c.registry.Update(next); err != nil {
		return cur, err
	}
	if next.State != cur.State {
		metrics.RecordTransition(string(next.State))
	}
	for _, evt := range events {
		c.publish(next, evt)
	}
	return next, nil
}

func (c *Coordinator) acquire(ctx context.Context, poolID string) (func(), error) {
	start := time.Now()
	release, err := c.locks.acquire(ctx, poolID)
	metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("wait for pool %s: %w", poolID, err)
	}
	return release, nil
}

func (c *Coordinator) event(typ model.EventType, p model.Pool, farmerID string, amount decimal.Decimal, at time.Time) model.PoolEvent {
	return model.PoolEvent{
		Type:     typ,
		PoolID:   p.ID,
		FarmerID: farmerID,
		Amount:   amount,
		State:    p.State,
		Version:  p.Version,
		At:       at,
	}
}

func (c *Coordinator) publish(p model.Pool, evt model.PoolEvent) {
	for _, o := range c.observers {
		o.OnPoolEvent(p, evt)
	}
}

func (c *Coordinator) record(op string, err error) {
	if err != nil {
		c.log.Debug("pool operation rejected", zap.String("op", op), zap.Error(err))
	}
	metrics.RecordOperation(op, model.KindOf(err))
	counts := c.registry.CountByState()
	gauge := make(map[string]int, len(counts))
	for s, n := range counts {
		gauge[string(s)] = n
	}
	metrics.SetPools(gauge)
}

// ExpireOverdue expires every MATCHING pool past its deadline. It backs up
// the per-pool timers after restarts.
func (c *Coordinator) ExpireOverdue(ctx context.Context) (int, error) {
	now := c.now()
	var (
		n    int
		errs []error
	)
	for _, p := range c.registry.ListByState(model.PoolMatching) {
		if !p.Expired(now) {
			continue
		}
		if err := c.Expire(ctx, p.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// RetryConversions re-attempts emission for every pool stuck in MATCHED.
func (c *Coordinator) RetryConversions(ctx context.Context) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, p := range c.registry.ListByState(model.PoolMatched) {
		if _, err := c.Convert(ctx, p.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Recover loads the durable state into the ledger, registry and converter,
// then re-arms expiry for MATCHING pools. MATCHED pools are left to the
// retry sweep.
func (c *Coordinator) Recover(ctx context.Context) error {
	snap, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load %s store: %w", c.store.Name(), err)
	}
	for _, ct := range snap.Contributions {
		c.ledger.Restore(ct)
	}
	for _, app := range snap.Applications {
		c.converter.Record(app)
	}
	for _, p := range snap.Pools {
		if sum := c.ledger.SumActive(p.ID); !sum.Equal(p.CurrentAmount) {
			return fmt.Errorf("pool %s stored amount %s, active contributions %s", p.ID, p.CurrentAmount, sum)
		}
		if err := c.registry.Insert(p); err != nil {
			return err
		}
		if p.State == model.PoolMatching {
			c.expiry.Arm(p.ID, p.ExpiresAt)
		}
	}

	counts := c.registry.CountByState()
	c.log.Info("pool state recovered",
		zap.String("store", c.store.Name()),
		zap.Int("pools", len(snap.Pools)),
		zap.Int("contributions", len(snap.Contributions)),
		zap.Int("applications", len(snap.Applications)),
		zap.Int("matching", counts[model.PoolMatching]),
		zap.Int("matched", counts[model.PoolMatched]))
	return nil
}

// Now returns the coordinator's clock reading.
func (c *Coordinator) Now() time.Time { return c.now() }

// Get returns the pool. Reads outside the serialization unit are advisory.
func (c *Coordinator) Get(poolID string) (model.Pool, error) {
	return c.registry.Get(poolID)
}

// Detail reads the pool, its contribution history and its application inside
// the pool's serialization unit, so CurrentAmount always equals the ACTIVE
// sum of the returned contributions.
func (c *Coordinator) Detail(ctx context.Context, poolID string) (model.PoolDetail, error) {
	release, err := c.acquire(ctx, poolID)
	if err != nil {
		return model.PoolDetail{}, err
	}
	defer release()

	p, err := c.registry.Get(poolID)
	if err != nil {
		return model.PoolDetail{}, err
	}
	d := model.PoolDetail{
		Pool:          p,
		RemainingGap:  p.RemainingGap(),
		Contributions: c.ledger.History(poolID),
	}
	if app, ok := c.converter.Lookup(poolID); ok {
		d.ApplicationID = app.ApplicationID
	}
	return d, nil
}

// Contributions returns the pool's full contribution history.
func (c *Coordinator) Contributions(poolID string) []model.Contribution {
	return c.ledger.History(poolID)
}

// MemberCount returns the number of ACTIVE contributions in the pool.
func (c *Coordinator) MemberCount(poolID string) int {
	return c.ledger.ActiveCount(poolID)
}

// Application returns the pool's recorded application, if any.
func (c *Coordinator) Application(poolID string) (model.Application, bool) {
	return c.converter.Lookup(poolID)
}

// Candidates yields joinable pools for q, closest to completion first.
func (c *Coordinator) Candidates(q registry.Query) iter.Seq[model.Pool] {
	return c.registry.FindCandidates(q, c.now())
}

// Open lists MATCHING pools, oldest first.
func (c *Coordinator) Open() []model.Pool {
	return c.registry.ListByState(model.PoolMatching)
}

// Events returns the pool's audit trail.
func (c *Coordinator) Events(ctx context.Context, poolID string) ([]model.PoolEvent, error) {
	if _, err := c.registry.Get(poolID); err != nil {
		return nil, err
	}
	return c.store.Events(ctx, poolID)
}
