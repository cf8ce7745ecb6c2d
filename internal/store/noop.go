package store

import (
	"context"

	"AgriPool/internal/model"
)

// NoopStore is used when no database is configured; state lives only in memory.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (n *NoopStore) Commit(_ context.Context, _ Commit) error                      { return nil }
func (n *NoopStore) Load(_ context.Context) (*Snapshot, error)                     { return &Snapshot{}, nil }
func (n *NoopStore) Events(_ context.Context, _ string) ([]model.PoolEvent, error) { return nil, nil }
func (n *NoopStore) Name() string                                                  { return "none" }
func (n *NoopStore) Close() error                                                  { return nil }
