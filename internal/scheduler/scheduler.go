package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper is the part of the coordinator the scheduler drives.
type Sweeper interface {
	Expire(ctx context.Context, poolID string) error
	ExpireOverdue(ctx context.Context) (int, error)
	RetryConversions(ctx context.Context) (int, error)
}

// Scheduler owns the per-pool expiry timers and the periodic sweep jobs.
type Scheduler struct {
	Cron *cron.Cron
	Ctx  context.Context
	// Digest, when set, is run by the digest job.
	Digest func(ctx context.Context)

	log     *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
	sweeper Sweeper
	timers  map[string]*time.Timer
	stopped bool
}

// NewScheduler creates a Scheduler. Timers armed before Bind fire into nothing.
func NewScheduler(ctx context.Context, log *zap.Logger) *Scheduler {
	return &Scheduler{
		Cron:   cron.New(cron.WithSeconds()),
		Ctx:    ctx,
		log:    log,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// Bind sets the coordinator that expiry and sweeps act on.
func (s *Scheduler) Bind(sw Sweeper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeper = sw
}

// RegisterAll registers the expiry sweep, the conversion retry sweep and,
// when digestCron is set, the open-pool digest.
func (s *Scheduler) RegisterAll(sweepCron, retryCron, digestCron string) error {
	if _, err := s.Cron.AddFunc(sweepCron, s.expirySweep); err != nil {
		return fmt.Errorf("register expiry sweep: %w", err)
	}
	if _, err := s.Cron.AddFunc(retryCron, s.retrySweep); err != nil {
		return fmt.Errorf("register conversion retry: %w", err)
	}
	if digestCron != "" && s.Digest != nil {
		if _, err := s.Cron.AddFunc(digestCron, func() { s.Digest(s.Ctx) }); err != nil {
			return fmt.Errorf("register digest: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.Cron.Entries())))
}

// Stop waits for running jobs and cancels every pending expiry timer.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()

	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

// Arm schedules the pool's expiry at at, replacing any earlier timer.
// A deadline already in the past fires immediately.
func (s *Scheduler) Arm(poolID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[poolID]; ok {
		t.Stop()
	}
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() { s.fire(poolID, &t) })
	s.timers[poolID] = t
}

// Disarm cancels the pool's pending expiry.
func (s *Scheduler) Disarm(poolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[poolID]; ok {
		t.Stop()
		delete(s.timers, poolID)
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(poolID string, t **time.Timer) {
	s.mu.Lock()
	// a re-armed pool has a newer timer; only forget our own
	if cur, ok := s.timers[poolID]; ok && cur == *t {
		delete(s.timers, poolID)
	}
	sw := s.sweeper
	s.mu.Unlock()

	if sw == nil {
		return
	}
	if err := sw.Expire(s.Ctx, poolID); err != nil {
		s.log.Error("pool expiry failed", zap.String("pool_id", poolID), zap.Error(err))
	}
}

func (s *Scheduler) expirySweep() {
	sw := s.bound()
	if sw == nil {
		return
	}
	n, err := sw.ExpireOverdue(s.Ctx)
	if err != nil {
		s.log.Error("expiry sweep", zap.Int("expired", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("expiry sweep", zap.Int("expired", n))
	}
}

func (s *Scheduler) retrySweep() {
	sw := s.bound()
	if sw == nil {
		return
	}
	n, err := sw.RetryConversions(s.Ctx)
	if err != nil {
		s.log.Warn("conversion retry", zap.Int("applied", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("conversion retry", zap.Int("applied", n))
	}
}

func (s *Scheduler) bound() Sweeper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeper
}

// RunSweepsNow runs both sweeps immediately (startup catch-up).
func (s *Scheduler) RunSweepsNow() {
	s.expirySweep()
	s.retrySweep()
}
