package coordinator

import (
	"context"
	"sync"
)

// unit is one pool's serialization unit. The buffered channel holds a token
// while the unit is taken; waiters queue on the send.
type unit struct {
	token chan struct{}
	refs  int
}

// lockTable creates units lazily per pool and drops them once nobody holds
// or waits on them.
type lockTable struct {
	mu    sync.Mutex
	units map[string]*unit
}

func newLockTable() *lockTable {
	return &lockTable{units: make(map[string]*unit)}
}

// acquire blocks until the pool's unit is held or ctx is done.
func (t *lockTable) acquire(ctx context.Context, poolID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	u, ok := t.units[poolID]
	if !ok {
		u = &unit{token: make(chan struct{}, 1)}
		t.units[poolID] = u
	}
	u.refs++
	t.mu.Unlock()

	select {
	case u.token <- struct{}{}:
	case <-ctx.Done():
		t.drop(poolID, u)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-u.token
			t.drop(poolID, u)
		})
	}, nil
}

func (t *lockTable) drop(poolID string, u *unit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u.refs--
	if u.refs == 0 {
		delete(t.units, poolID)
	}
}

// size reports how many units are live.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.units)
}
