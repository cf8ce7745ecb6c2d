package store

import (
	"context"

	"AgriPool/internal/model"
)

// Commit is one atomic write: the pool row plus whatever ledger, application
// and audit records the mutation produced. Either all of it lands or none.
type Commit struct {
	Pool         model.Pool
	PrevVersion  int64 // 0 inserts a new pool; otherwise the update is conditioned on it
	Contribution *model.Contribution
	Application  *model.Application
	Events       []model.PoolEvent
}

// Snapshot is the durable state loaded at startup.
type Snapshot struct {
	Pools         []model.Pool
	Contributions []model.Contribution // ordered by pool, then ledger sequence
	Applications  []model.Application
}

// Store persists pools, contributions, applications and the audit trail.
type Store interface {
	Commit(ctx context.Context, c Commit) error
	Load(ctx context.Context) (*Snapshot, error)
	Events(ctx context.Context, poolID string) ([]model.PoolEvent, error)
	Name() string
	Close() error
}
