package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgriPool/internal/converter"
	"AgriPool/internal/ledger"
	"AgriPool/internal/model"
	"AgriPool/internal/registry"
	"AgriPool/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeExpiry struct {
	mu    sync.Mutex
	armed map[string]time.Time
}

func (e *fakeExpiry) Arm(id string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armed[id] = at
}

func (e *fakeExpiry) Disarm(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.armed, id)
}

func (e *fakeExpiry) isArmed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.armed[id]
	return ok
}

// failingStore wraps another store and fails commits while fail is set.
type failingStore struct {
	store.Store
	mu      sync.Mutex
	fail    error
	commits int
}

func (s *failingStore) Commit(ctx context.Context, c store.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.commits++
	return s.Store.Commit(ctx, c)
}

func (s *failingStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

type recordingObserver struct {
	mu     sync.Mutex
	events []model.EventType
}

func (o *recordingObserver) OnPoolEvent(_ model.Pool, evt model.PoolEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, evt.Type)
}

type harness struct {
	coord    *Coordinator
	ledger   *ledger.Ledger
	intake   *converter.MockIntake
	clock    *fakeClock
	expiry   *fakeExpiry
	store    *failingStore
	observer *recordingObserver
}

func newHarness(t *testing.T, s store.Store) *harness {
	t.Helper()
	if s == nil {
		s = store.NewNoopStore()
	}
	h := &harness{
		ledger:   ledger.New(),
		intake:   converter.NewMockIntake(),
		clock:    &fakeClock{now: t0},
		expiry:   &fakeExpiry{armed: make(map[string]time.Time)},
		store:    &failingStore{Store: s},
		observer: &recordingObserver{},
	}
	var seq atomic.Int64
	h.coord = New(h.ledger, registry.New(registry.GapInclusive), h.store,
		converter.New(h.intake, zap.NewNop()),
		WithClock(h.clock.Now),
		WithLogger(zap.NewNop()),
		WithIDGenerator(func() string { return fmt.Sprintf("pool-%d", seq.Add(1)) }),
		WithExpiry(h.expiry),
		WithObserver(h.observer),
	)
	return h
}

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (h *harness) start(t *testing.T, farmer string, amount, target int64) model.Pool {
	t.Helper()
	p, err := h.coord.StartMatch(context.Background(), CreateRequest{
		FarmerID:     farmer,
		Amount:       amt(amount),
		TargetAmount: amt(target),
		Purpose:      "seed purchase",
		CropType:     "maize",
		Region:       "north",
		ExpiresAt:    t0.Add(72 * time.Hour),
	})
	require.NoError(t, err)
	return p
}

func assertLedgerConsistent(t *testing.T, h *harness, poolID string) {
	t.Helper()
	p, err := h.coord.Get(poolID)
	require.NoError(t, err)
	assert.True(t, p.CurrentAmount.Equal(h.ledger.SumActive(poolID)),
		"current %s, active sum %s", p.CurrentAmount, h.ledger.SumActive(poolID))
	assert.False(t, p.CurrentAmount.GreaterThan(p.TargetAmount))
}

func TestCoordinator_JoinToMatchAndApply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	p := h.start(t, "farmer-a", 50000, 200000)
	assert.Equal(t, model.PoolMatching, p.State)
	assert.True(t, h.expiry.isArmed(p.ID))

	p, err := h.coord.Join(ctx, p.ID, "farmer-b", amt(70000))
	require.NoError(t, err)
	assert.True(t, p.CurrentAmount.Equal(amt(120000)))
	assert.Equal(t, model.PoolMatching, p.State)
	assert.Equal(t, int64(2), p.Version)

	p, err = h.coord.Join(ctx, p.ID, "farmer-c", amt(80000))
	require.NoError(t, err)
	assert.True(t, p.CurrentAmount.Equal(amt(200000)))
	assert.Equal(t, model.PoolApplied, p.State)
	assert.Equal(t, model.ResultSuccess, model.ResultStatusOf(p.State))
	assert.Equal(t, 1, h.intake.Submits())
	assert.False(t, h.expiry.isArmed(p.ID))

	app, ok := h.coord.Application(p.ID)
	require.True(t, ok)
	assert.True(t, app.Amount.Equal(amt(200000)))
	assert.Equal(t, 3, app.MemberCount)

	_, err = h.coord.Join(ctx, p.ID, "farmer-d", amt(10000))
	assert.ErrorIs(t, err, model.ErrPoolNotMatching)

	assert.Equal(t, []model.EventType{
		model.EventCreated, model.EventJoined, model.EventJoined, model.EventMatched, model.EventApplied,
	}, h.observer.events)
	assertLedgerConsistent(t, h, p.ID)
}

func TestCoordinator_CapacityExceededReportsGap(t *testing.T) {
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 90000, 100000)

	_, err := h.coord.Join(context.Background(), p.ID, "farmer-e", amt(20000))
	require.ErrorIs(t, err, model.ErrCapacityExceeded)

	var capErr *model.CapacityExceededError
	require.True(t, errors.As(err, &capErr))
	assert.True(t, capErr.Remaining.Equal(amt(10000)))

	got, err := h.coord.Get(p.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(amt(90000)))
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 1, h.coord.MemberCount(p.ID))
}

func TestCoordinator_ExpiryFailsPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 40000, 100000)
	_, err := h.coord.Join(ctx, p.ID, "farmer-b", amt(1000))
	require.NoError(t, err)

	// a timer firing early is a no-op
	require.NoError(t, h.coord.Expire(ctx, p.ID))
	got, _ := h.coord.Get(p.ID)
	assert.Equal(t, model.PoolMatching, got.State)

	h.clock.Advance(72 * time.Hour)

	_, err = h.coord.Join(ctx, p.ID, "farmer-c", amt(1000))
	assert.ErrorIs(t, err, model.ErrPoolExpired)

	require.NoError(t, h.coord.Expire(ctx, p.ID))
	got, err = h.coord.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolFailed, got.State)
	assert.Equal(t, model.FailureExpired, got.FailureReason)
	assert.Equal(t, model.ResultFailed, model.ResultStatusOf(got.State))
	assert.False(t, h.expiry.isArmed(p.ID))

	_, err = h.coord.Join(ctx, p.ID, "farmer-c", amt(1000))
	assert.ErrorIs(t, err, model.ErrPoolNotMatching)
	_, err = h.coord.Quit(ctx, p.ID, "farmer-b")
	assert.ErrorIs(t, err, model.ErrPoolNotMatching)

	// re-expiry changes nothing
	require.NoError(t, h.coord.Expire(ctx, p.ID))
	again, _ := h.coord.Get(p.ID)
	assert.Equal(t, got.Version, again.Version)
	assert.True(t, again.CurrentAmount.Equal(amt(41000)))
	assert.Len(t, h.coord.Contributions(p.ID), 2)
}

func TestCoordinator_QuitThenRejoin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 30000, 100000)

	_, err := h.coord.Join(ctx, p.ID, "farmer-f", amt(25000))
	require.NoError(t, err)

	_, err = h.coord.Join(ctx, p.ID, "farmer-f", amt(5000))
	assert.ErrorIs(t, err, model.ErrDuplicateContribution)

	got, err := h.coord.Quit(ctx, p.ID, "farmer-f")
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(amt(30000)))

	_, err = h.coord.Quit(ctx, p.ID, "farmer-f")
	assert.ErrorIs(t, err, model.ErrNoActiveContribution)

	got, err = h.coord.Join(ctx, p.ID, "farmer-f", amt(10000))
	require.NoError(t, err)
	assert.True(t, got.CurrentAmount.Equal(amt(40000)))

	history := h.coord.Contributions(p.ID)
	require.Len(t, history, 3)
	assert.Equal(t, model.ContributionWithdrawn, history[1].Status)
	assert.NotNil(t, history[1].WithdrawnAt)
	assert.Equal(t, model.ContributionActive, history[2].Status)
	assertLedgerConsistent(t, h, p.ID)
}

func TestCoordinator_QuitLeavingNoMembersKeepsPoolOpen(t *testing.T) {
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 30000, 100000)

	got, err := h.coord.Quit(context.Background(), p.ID, "farmer-a")
	require.NoError(t, err)
	assert.Equal(t, model.PoolMatching, got.State)
	assert.True(t, got.CurrentAmount.IsZero())
	assert.Equal(t, 0, h.coord.MemberCount(p.ID))
}

func TestCoordinator_StartMatchValidation(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]CreateRequest{
		"no farmer":       {Amount: amt(1), TargetAmount: amt(10), ExpiresAt: t0.Add(time.Hour)},
		"zero amount":     {FarmerID: "a", Amount: amt(0), TargetAmount: amt(10), ExpiresAt: t0.Add(time.Hour)},
		"seed meets goal": {FarmerID: "a", Amount: amt(10), TargetAmount: amt(10), ExpiresAt: t0.Add(time.Hour)},
		"expiry in past":  {FarmerID: "a", Amount: amt(1), TargetAmount: amt(10), ExpiresAt: t0},
		"no target":       {FarmerID: "a", Amount: amt(1), ExpiresAt: t0.Add(time.Hour)},
	}
	for name, req := range cases {
		_, err := h.coord.StartMatch(context.Background(), req)
		assert.ErrorIs(t, err, model.ErrInvalidRequest, name)
	}
	assert.Empty(t, h.coord.Open())
}

func TestCoordinator_ConcurrentJoinsNeverOverfill(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	p := h.start(t, "farmer-seed", 10, 100)

	var joined atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 50; i++ {
		farmer := fmt.Sprintf("farmer-%02d", i)
		g.Go(func() error {
			_, err := h.coord.Join(gctx, p.ID, farmer, amt(5))
			switch {
			case err == nil:
				joined.Add(1)
				return nil
			case errors.Is(err, model.ErrCapacityExceeded), errors.Is(err, model.ErrPoolNotMatching):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	got, err := h.coord.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(18), joined.Load())
	assert.True(t, got.CurrentAmount.Equal(amt(100)))
	assert.Equal(t, model.PoolApplied, got.State)
	assert.Equal(t, 1, h.intake.Submits())
	assertLedgerConsistent(t, h, p.ID)
	assert.Equal(t, 0, h.coord.locks.size())
}

func TestCoordinator_ConversionFailureKeepsMatched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 60, 100)

	h.intake.SetFail(errors.New("connection refused"))
	got, err := h.coord.Join(ctx, p.ID, "farmer-b", amt(40))
	require.NoError(t, err)
	assert.Equal(t, model.PoolMatched, got.State)

	_, err = h.coord.Convert(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrConversionTransport)
	_, err = h.coord.Quit(ctx, p.ID, "farmer-b")
	assert.ErrorIs(t, err, model.ErrPoolNotMatching)

	h.intake.SetFail(nil)
	n, err := h.coord.RetryConversions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ = h.coord.Get(p.ID)
	assert.Equal(t, model.PoolApplied, got.State)

	first, ok := h.coord.Application(p.ID)
	require.True(t, ok)
	again, err := h.coord.Convert(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ApplicationID, again.ApplicationID)
	assert.Equal(t, 1, h.intake.Issued())

	n, err = h.coord.RetryConversions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCoordinator_StoreFailureLeavesPoolUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 50, 100)

	h.store.setFail(errors.New("disk I/O error"))
	_, err := h.coord.Join(ctx, p.ID, "farmer-b", amt(50))
	require.Error(t, err)
	assert.Equal(t, model.CategoryInternal, model.CategoryOf(err))

	got, _ := h.coord.Get(p.ID)
	assert.Equal(t, model.PoolMatching, got.State)
	assert.True(t, got.CurrentAmount.Equal(amt(50)))
	assert.Equal(t, int64(1), got.Version)
	_, ok := h.ledger.ActiveFor(p.ID, "farmer-b")
	assert.False(t, ok)
	assert.Zero(t, h.intake.Submits())

	h.store.setFail(nil)
	got, err = h.coord.Join(ctx, p.ID, "farmer-b", amt(50))
	require.NoError(t, err)
	assert.Equal(t, model.PoolApplied, got.State)
}

func TestCoordinator_Cancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 50, 100)

	got, err := h.coord.Cancel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolFailed, got.State)
	assert.Equal(t, model.FailureCancelled, got.FailureReason)
	assert.False(t, h.expiry.isArmed(p.ID))

	_, err = h.coord.Cancel(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrPoolNotMatching)
	_, err = h.coord.Convert(ctx, p.ID)
	assert.ErrorIs(t, err, model.ErrPoolNotMatching)
}

func TestCoordinator_UnknownPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.coord.Join(ctx, "missing", "farmer-a", amt(1))
	assert.ErrorIs(t, err, model.ErrPoolNotFound)
	_, err = h.coord.Quit(ctx, "missing", "farmer-a")
	assert.ErrorIs(t, err, model.ErrPoolNotFound)
	assert.ErrorIs(t, h.coord.Expire(ctx, "missing"), model.ErrPoolNotFound)
}

func TestCoordinator_CancelledContextFailsFast(t *testing.T) {
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 50, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.coord.Join(ctx, p.ID, "farmer-b", amt(10))
	assert.ErrorIs(t, err, context.Canceled)

	got, _ := h.coord.Get(p.ID)
	assert.Equal(t, int64(1), got.Version)
}

func TestCoordinator_WaitingRequestHonoursDeadline(t *testing.T) {
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 50, 100)

	release, err := h.coord.locks.acquire(context.Background(), p.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.coord.Join(ctx, p.ID, "farmer-b", amt(10))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	_, err = h.coord.Join(context.Background(), p.ID, "farmer-b", amt(10))
	require.NoError(t, err)
	assert.Equal(t, 0, h.coord.locks.size())
}

func TestCoordinator_ExpireOverdue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	old := h.start(t, "farmer-a", 10, 100)
	h.clock.Advance(48 * time.Hour)
	fresh := h.start(t, "farmer-b", 10, 100)
	h.clock.Advance(24 * time.Hour)

	n, err := h.coord.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := h.coord.Get(old.ID)
	assert.Equal(t, model.PoolFailed, got.State)
	got, _ = h.coord.Get(fresh.ID)
	assert.Equal(t, model.PoolMatching, got.State)
}

func TestCoordinator_RecoverFromSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "pools.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := newHarness(t, db)
	open := h.start(t, "farmer-a", 30, 100)
	_, err = h.coord.Join(ctx, open.ID, "farmer-b", amt(20))
	require.NoError(t, err)
	_, err = h.coord.Quit(ctx, open.ID, "farmer-b")
	require.NoError(t, err)

	stuck := h.start(t, "farmer-c", 60, 100)
	h.intake.SetFail(errors.New("timeout"))
	_, err = h.coord.Join(ctx, stuck.ID, "farmer-d", amt(40))
	require.NoError(t, err)

	// restart over the same database
	h2 := newHarness(t, db)
	require.NoError(t, h2.coord.Recover(ctx))

	got, err := h2.coord.Get(open.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolMatching, got.State)
	assert.True(t, got.CurrentAmount.Equal(amt(30)))
	assert.Equal(t, int64(3), got.Version)
	assert.True(t, h2.expiry.isArmed(open.ID))
	assert.Len(t, h2.coord.Contributions(open.ID), 2)

	got, err = h2.coord.Get(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolMatched, got.State)
	assert.False(t, h2.expiry.isArmed(stuck.ID))

	n, err := h2.coord.RetryConversions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h2.coord.Join(ctx, open.ID, "farmer-b", amt(20))
	require.NoError(t, err)
	assertLedgerConsistent(t, h2, open.ID)

	events, err := h2.coord.Events(ctx, stuck.ID)
	require.NoError(t, err)
	var types []model.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []model.EventType{model.EventCreated, model.EventJoined, model.EventMatched, model.EventApplied}, types)
}

func TestCoordinator_DuplicateJoinsFromOneFarmer(t *testing.T) {
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 10, 100)

	var joined, duplicate atomic.Int64
	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			_, err := h.coord.Join(context.Background(), p.ID, "farmer-b", amt(5))
			switch {
			case err == nil:
				joined.Add(1)
			case errors.Is(err, model.ErrDuplicateContribution):
				duplicate.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), joined.Load())
	assert.Equal(t, int64(19), duplicate.Load())
	assert.Equal(t, 2, h.coord.MemberCount(p.ID))
	assertLedgerConsistent(t, h, p.ID)
}

func TestCoordinator_QuitRacingJoins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 10, 100)
	_, err := h.coord.Join(ctx, p.ID, "farmer-b", amt(30))
	require.NoError(t, err)

	var quitErr error
	var g errgroup.Group
	g.Go(func() error {
		_, quitErr = h.coord.Quit(ctx, p.ID, "farmer-b")
		return nil
	})
	for i := range 20 {
		farmer := fmt.Sprintf("farmer-%02d", i)
		g.Go(func() error {
			_, err := h.coord.Join(ctx, p.ID, farmer, amt(5))
			if err == nil || errors.Is(err, model.ErrCapacityExceeded) || errors.Is(err, model.ErrPoolNotMatching) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	if quitErr == nil {
		_, active := h.ledger.ActiveFor(p.ID, "farmer-b")
		assert.False(t, active)
	} else {
		assert.ErrorIs(t, quitErr, model.ErrPoolNotMatching)
	}
	assertLedgerConsistent(t, h, p.ID)
}

func TestCoordinator_DetailIsConsistentUnderChurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	p := h.start(t, "farmer-a", 50, 100)

	var done atomic.Bool
	var torn, reads atomic.Int64
	var g errgroup.Group
	g.Go(func() error {
		defer done.Store(true)
		for range 500 {
			if _, err := h.coord.Join(ctx, p.ID, "farmer-f", amt(10)); err != nil {
				return err
			}
			if _, err := h.coord.Quit(ctx, p.ID, "farmer-f"); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for !done.Load() {
			d, err := h.coord.Detail(ctx, p.ID)
			if err != nil {
				return err
			}
			sum := decimal.Zero
			for _, c := range d.Contributions {
				if c.Active() {
					sum = sum.Add(c.Amount)
				}
			}
			reads.Add(1)
			if !sum.Equal(d.CurrentAmount) || !d.RemainingGap.Equal(d.TargetAmount.Sub(sum)) {
				torn.Add(1)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	assert.Positive(t, reads.Load())
	assert.Zero(t, torn.Load(), "inconsistent snapshots out of %d reads", reads.Load())
}

// cancellingIntake cancels the caller's context once the application is issued,
// like a client hanging up mid-request.
type cancellingIntake struct {
	*converter.MockIntake
	cancel context.CancelFunc
}

func (i *cancellingIntake) Submit(ctx context.Context, req model.ApplicationRequest) (string, error) {
	id, err := i.MockIntake.Submit(ctx, req)
	if err == nil && i.cancel != nil {
		i.cancel()
	}
	return id, err
}

// ctxStore refuses commits on a done context, as a database driver would.
type ctxStore struct {
	store.Store
}

func (s ctxStore) Commit(ctx context.Context, c store.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Commit(ctx, c)
}

func TestCoordinator_ConvertSurvivesCallerHangup(t *testing.T) {
	intake := &cancellingIntake{MockIntake: converter.NewMockIntake()}
	coord := New(ledger.New(), registry.New(registry.GapInclusive), ctxStore{store.NewNoopStore()},
		converter.New(intake, zap.NewNop()),
		WithClock(func() time.Time { return t0 }),
	)
	p, err := coord.StartMatch(context.Background(), CreateRequest{
		FarmerID: "farmer-a", Amount: amt(60), TargetAmount: amt(100), ExpiresAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)

	intake.SetFail(errors.New("connection refused"))
	got, err := coord.Join(context.Background(), p.ID, "farmer-b", amt(40))
	require.NoError(t, err)
	require.Equal(t, model.PoolMatched, got.State)
	intake.SetFail(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	intake.cancel = cancel
	app, err := coord.Convert(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, app.ApplicationID)

	got, err = coord.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PoolApplied, got.State)
}
