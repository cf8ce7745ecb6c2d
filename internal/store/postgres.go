package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"go.uber.org/zap"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS pools (
			id             TEXT PRIMARY KEY,
			target_amount  NUMERIC NOT NULL,
			current_amount NUMERIC NOT NULL,
			state          TEXT    NOT NULL,
			failure_reason TEXT    NOT NULL DEFAULT '',
			purpose        TEXT    NOT NULL DEFAULT '',
			crop_type      TEXT    NOT NULL DEFAULT '',
			region         TEXT    NOT NULL DEFAULT '',
			created_at     BIGINT  NOT NULL,
			expires_at     BIGINT  NOT NULL,
			updated_at     BIGINT  NOT NULL,
			version        BIGINT  NOT NULL,
			CHECK (current_amount <= target_amount)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_state ON pools(state)`,

		`CREATE TABLE IF NOT EXISTS contributions (
			pool_id      TEXT    NOT NULL REFERENCES pools(id),
			seq          BIGINT  NOT NULL,
			farmer_id    TEXT    NOT NULL,
			amount       NUMERIC NOT NULL CHECK (amount > 0),
			status       TEXT    NOT NULL,
			joined_at    BIGINT  NOT NULL,
			withdrawn_at BIGINT,
			PRIMARY KEY (pool_id, seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_contributions_active
			ON contributions(pool_id, farmer_id) WHERE status = 'ACTIVE'`,

		`CREATE TABLE IF NOT EXISTS applications (
			pool_id        TEXT PRIMARY KEY REFERENCES pools(id),
			application_id TEXT    NOT NULL,
			amount         NUMERIC NOT NULL,
			member_count   INTEGER NOT NULL,
			submitted_at   BIGINT  NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS pool_events (
			id         BIGSERIAL PRIMARY KEY,
			pool_id    TEXT    NOT NULL,
			event_type TEXT    NOT NULL,
			farmer_id  TEXT    NOT NULL DEFAULT '',
			amount     NUMERIC NOT NULL,
			state      TEXT    NOT NULL,
			version    BIGINT  NOT NULL,
			timestamp  BIGINT  NOT NULL,
			note       TEXT    NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_events_pool ON pool_events(pool_id, id)`,
	},
}

// PostgresStore persists pool state to Postgres through the pgx driver.
type PostgresStore struct {
	*sqlStore
	log *zap.Logger
}

// NewPostgresStore connects with dsn, pings, and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, log *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{
		sqlStore: &sqlStore{db: db, dialect: postgresDialect},
		log:      log,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("postgres store opened")
	return s, nil
}

func (s *PostgresStore) Close() error {
	s.log.Info("closing postgres store")
	return s.sqlStore.Close()
}
