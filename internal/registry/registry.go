// Package registry indexes pools by id, lifecycle state and discovery
// metadata, and answers candidate queries for farmers looking for a pool.
package registry

import (
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"AgriPool/internal/model"

	"github.com/shopspring/decimal"
)

// GapPolicy decides whether a pool whose remaining gap equals the requested
// amount is offered as a candidate.
type GapPolicy string

const (
	GapInclusive GapPolicy = "inclusive" // gap >= amount
	GapStrict    GapPolicy = "strict"    // gap > amount
)

// ParseGapPolicy accepts "inclusive" (default when empty) or "strict".
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch GapPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", GapInclusive:
		return GapInclusive, nil
	case GapStrict:
		return GapStrict, nil
	default:
		return "", fmt.Errorf("unknown gap policy %q", s)
	}
}

// Query filters a candidate search. Empty CropType/Region match any pool.
type Query struct {
	Amount   decimal.Decimal
	CropType string
	Region   string
}

// Registry is the in-memory pool index. Writes come only from the coordinator.
type Registry struct {
	mu       sync.RWMutex
	pools    map[string]model.Pool
	byState  map[model.PoolState]map[string]struct{}
	byCrop   map[string]map[string]struct{}
	byRegion map[string]map[string]struct{}
	policy   GapPolicy
}

// New creates an empty Registry.
func New(policy GapPolicy) *Registry {
	if policy == "" {
		policy = GapInclusive
	}
	return &Registry{
		pools:    make(map[string]model.Pool),
		byState:  make(map[model.PoolState]map[string]struct{}),
		byCrop:   make(map[string]map[string]struct{}),
		byRegion: make(map[string]map[string]struct{}),
		policy:   policy,
	}
}

// Policy returns the configured gap policy.
func (r *Registry) Policy() GapPolicy { return r.policy }

// Insert adds a new pool. It fails if the id is already registered.
func (r *Registry) Insert(p model.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[p.ID]; ok {
		return fmt.Errorf("pool %s already registered", p.ID)
	}
	r.pools[p.ID] = p
	r.indexState(p.State, p.ID)
	addIndex(r.byCrop, normalize(p.CropType), p.ID)
	addIndex(r.byRegion, normalize(p.Region), p.ID)
	return nil
}

// Update replaces a registered pool and reindexes its state.
// Discovery metadata is immutable, so crop and region indexes stay as they are.
func (r *Registry) Update(p model.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.pools[p.ID]
	if !ok {
		return fmt.Errorf("pool %s: %w", p.ID, model.ErrPoolNotFound)
	}
	if old.State != p.State {
		delete(r.byState[old.State], p.ID)
		r.indexState(p.State, p.ID)
	}
	r.pools[p.ID] = p
	return nil
}

// Get returns the pool with the given id.
func (r *Registry) Get(id string) (model.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pools[id]
	if !ok {
		return model.Pool{}, fmt.Errorf("pool %s: %w", id, model.ErrPoolNotFound)
	}
	return p, nil
}

// ListByState returns every pool currently in state s, oldest first.
func (r *Registry) ListByState(s model.PoolState) []model.Pool {
	r.mu.RLock()
	out := make([]model.Pool, 0, len(r.byState[s]))
	for id := range r.byState[s] {
		out = append(out, r.pools[id])
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CountByState returns the number of pools per lifecycle state.
func (r *Registry) CountByState() map[model.PoolState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[model.PoolState]int, len(r.byState))
	for s, ids := range r.byState {
		out[s] = len(ids)
	}
	return out
}

// FindCandidates yields joinable pools whose remaining gap can take q.Amount,
// closest to completion first. The sequence is evaluated on each range over
// it, so it can be restarted; results are advisory and must not authorize a join.
func (r *Registry) FindCandidates(q Query, now time.Time) iter.Seq[model.Pool] {
	return func(yield func(model.Pool) bool) {
		for _, p := range r.candidates(q, now) {
			if !yield(p) {
				return
			}
		}
	}
}

func (r *Registry) candidates(q Query, now time.Time) []model.Pool {
	r.mu.RLock()
	ids := r.byState[model.PoolMatching]
	if crop := normalize(q.CropType); crop != "" {
		ids = intersect(ids, r.byCrop[crop])
	}
	if region := normalize(q.Region); region != "" {
		ids = intersect(ids, r.byRegion[region])
	}
	out := make([]model.Pool, 0, len(ids))
	for id := range ids {
		p := r.pools[id]
		if p.Expired(now) || !r.fits(p.RemainingGap(), q.Amount) {
			continue
		}
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		gi, gj := out[i].RemainingGap(), out[j].RemainingGap()
		if c := gi.Cmp(gj); c != 0 {
			return c < 0
		}
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) fits(gap, amount decimal.Decimal) bool {
	if r.policy == GapStrict {
		return gap.GreaterThan(amount)
	}
	return gap.GreaterThanOrEqual(amount)
}

// Page returns at most limit items of seq after skipping offset items.
func Page[T any](seq iter.Seq[T], offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	out := make([]T, 0, max(limit, 0))
	if limit <= 0 {
		return out
	}
	i := 0
	for v := range seq {
		if i >= offset {
			out = append(out, v)
			if len(out) == limit {
				break
			}
		}
		i++
	}
	return out
}

func (r *Registry) indexState(s model.PoolState, id string) {
	if r.byState[s] == nil {
		r.byState[s] = make(map[string]struct{})
	}
	r.byState[s][id] = struct{}{}
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if idx[key] == nil {
		idx[key] = make(map[string]struct{})
	}
	idx[key][id] = struct{}{}
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{}, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
