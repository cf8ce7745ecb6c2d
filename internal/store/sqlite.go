package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	migrations: []string{
		`CREATE TABLE IF NOT EXISTS pools (
			id             TEXT PRIMARY KEY,
			target_amount  TEXT    NOT NULL,
			current_amount TEXT    NOT NULL,
			state          TEXT    NOT NULL,
			failure_reason TEXT    NOT NULL DEFAULT '',
			purpose        TEXT    NOT NULL DEFAULT '',
			crop_type      TEXT    NOT NULL DEFAULT '',
			region         TEXT    NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			expires_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			version        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_state ON pools(state)`,

		`CREATE TABLE IF NOT EXISTS contributions (
			pool_id      TEXT    NOT NULL REFERENCES pools(id),
			seq          INTEGER NOT NULL,
			farmer_id    TEXT    NOT NULL,
			amount       TEXT    NOT NULL,
			status       TEXT    NOT NULL,
			joined_at    INTEGER NOT NULL,
			withdrawn_at INTEGER,
			PRIMARY KEY (pool_id, seq)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_contributions_active
			ON contributions(pool_id, farmer_id) WHERE status = 'ACTIVE'`,

		`CREATE TABLE IF NOT EXISTS applications (
			pool_id        TEXT PRIMARY KEY REFERENCES pools(id),
			application_id TEXT    NOT NULL,
			amount         TEXT    NOT NULL,
			member_count   INTEGER NOT NULL,
			submitted_at   INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS pool_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			pool_id    TEXT    NOT NULL,
			event_type TEXT    NOT NULL,
			farmer_id  TEXT    NOT NULL DEFAULT '',
			amount     TEXT    NOT NULL,
			state      TEXT    NOT NULL,
			version    INTEGER NOT NULL,
			timestamp  INTEGER NOT NULL,
			note       TEXT    NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_events_pool ON pool_events(pool_id, id)`,
	},
}

// SQLiteStore persists pool state to a SQLite database file.
type SQLiteStore struct {
	*sqlStore
	log *zap.Logger
}

// NewSQLiteStore opens (or creates) the SQLite database and runs migrations.
func NewSQLiteStore(ctx context.Context, dbPath string, log *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer, and pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: &sqlStore{db: db, dialect: sqliteDialect, serial: true},
		log:      log,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("sqlite store opened", zap.String("path", dbPath))
	return s, nil
}

func (s *SQLiteStore) Close() error {
	s.log.Info("closing sqlite store")
	return s.sqlStore.Close()
}
