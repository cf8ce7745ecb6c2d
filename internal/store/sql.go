package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"AgriPool/internal/model"

	"github.com/shopspring/decimal"
)

// dialect captures what differs between the SQLite and Postgres flavours.
type dialect struct {
	name       string
	migrations []string
	numbered   bool // $1, $2 ... placeholders
}

// sqlStore implements Store on database/sql. Amounts are stored as decimal
// strings, timestamps as unix milliseconds.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.Mutex // held around writes when serial is set
	serial  bool
}

func (s *sqlStore) Name() string { return s.dialect.name }

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			head := stmt
			if len(head) > 40 {
				head = head[:40]
			}
			return fmt.Errorf("exec %q: %w", strings.TrimSpace(head), err)
		}
	}
	return nil
}

// bind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) bind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Commit(ctx context.Context, c Commit) (err error) {
	if s.serial {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.writePool(ctx, tx, c.Pool, c.PrevVersion); err != nil {
		return err
	}
	if c.Contribution != nil {
		if err = s.writeContribution(ctx, tx, *c.Contribution); err != nil {
			return err
		}
	}
	if c.Application != nil {
		if err = s.writeApplication(ctx, tx, *c.Application); err != nil {
			return err
		}
	}
	for _, evt := range c.Events {
		if err = s.writeEvent(ctx, tx, evt); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) writePool(ctx context.Context, tx *sql.Tx, p model.Pool, prevVersion int64) error {
	if prevVersion == 0 {
		_, err := tx.ExecContext(ctx, s.bind(`INSERT INTO pools
			(id, target_amount, current_amount, state, failure_reason, purpose, crop_type, region,
			 created_at, expires_at, updated_at, version)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
			p.ID, p.TargetAmount.String(), p.CurrentAmount.String(), string(p.State), string(p.FailureReason),
			p.Purpose, p.CropType, p.Region,
			toMillis(p.CreatedAt), toMillis(p.ExpiresAt), toMillis(p.UpdatedAt), p.Version,
		)
		if err != nil {
			return fmt.Errorf("insert pool %s: %w", p.ID, err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, s.bind(`UPDATE pools SET
		current_amount = ?, state = ?, failure_reason = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`),
		p.CurrentAmount.String(), string(p.State), string(p.FailureReason), toMillis(p.UpdatedAt), p.Version,
		p.ID, prevVersion,
	)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("pool %s at version %d: %w", p.ID, prevVersion, model.ErrVersionConflict)
	}
	return nil
}

func (s *sqlStore) writeContribution(ctx context.Context, tx *sql.Tx, c model.Contribution) error {
	var withdrawnAt any
	if c.WithdrawnAt != nil {
		withdrawnAt = toMillis(*c.WithdrawnAt)
	}
	_, err := tx.ExecContext(ctx, s.bind(`INSERT INTO contributions
		(pool_id, seq, farmer_id, amount, status, joined_at, withdrawn_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (pool_id, seq) DO UPDATE SET
			status = excluded.status, withdrawn_at = excluded.withdrawn_at`),
		c.PoolID, c.ID, c.FarmerID, c.Amount.String(), string(c.Status), toMillis(c.JoinedAt), withdrawnAt,
	)
	if err != nil {
		return fmt.Errorf("write contribution %s/%d: %w", c.PoolID, c.ID, err)
	}
	return nil
}

func (s *sqlStore) writeApplication(ctx context.Context, tx *sql.Tx, a model.Application) error {
	_, err := tx.ExecContext(ctx, s.bind(`INSERT INTO applications
		(pool_id, application_id, amount, member_count, submitted_at)
		VALUES (?,?,?,?,?)`),
		a.PoolID, a.ApplicationID, a.Amount.String(), a.MemberCount, toMillis(a.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("insert application for pool %s: %w", a.PoolID, err)
	}
	return nil
}

func (s *sqlStore) writeEvent(ctx context.Context, tx *sql.Tx, e model.PoolEvent) error {
	_, err := tx.ExecContext(ctx, s.bind(`INSERT INTO pool_events
		(pool_id, event_type, farmer_id, amount, state, version, timestamp, note)
		VALUES (?,?,?,?,?,?,?,?)`),
		e.PoolID, string(e.Type), e.FarmerID, e.Amount.String(), string(e.State), e.Version, toMillis(e.At), e.Note,
	)
	if err != nil {
		return fmt.Errorf("insert %s event for pool %s: %w", e.Type, e.PoolID, err)
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context) (*Snapshot, error) {
	var (
		snap = &Snapshot{}
		err  error
	)
	// Each query's rows are closed before the next one starts: SQLite runs on a single connection.
	if snap.Pools, err = s.loadPools(ctx); err != nil {
		return nil, err
	}
	if snap.Contributions, err = s.loadContributions(ctx); err != nil {
		return nil, err
	}
	if snap.Applications, err = s.loadApplications(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *sqlStore) loadPools(ctx context.Context) ([]model.Pool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, target_amount, current_amount, state, failure_reason,
		purpose, crop_type, region, created_at, expires_at, updated_at, version
		FROM pools ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select pools: %w", err)
	}
	defer rows.Close()

	var out []model.Pool
	for rows.Next() {
		var (
			p                         model.Pool
			target, current           string
			state, reason             string
			created, expires, updated int64
		)
		if err := rows.Scan(&p.ID, &target, &current, &state, &reason, &p.Purpose, &p.CropType, &p.Region,
			&created, &expires, &updated, &p.Version); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		if p.TargetAmount, err = decimal.NewFromString(target); err != nil {
			return nil, fmt.Errorf("pool %s target: %w", p.ID, err)
		}
		if p.CurrentAmount, err = decimal.NewFromString(current); err != nil {
			return nil, fmt.Errorf("pool %s current: %w", p.ID, err)
		}
		p.State = model.PoolState(state)
		p.FailureReason = model.FailureReason(reason)
		p.CreatedAt, p.ExpiresAt, p.UpdatedAt = fromMillis(created), fromMillis(expires), fromMillis(updated)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}
	return out, nil
}

func (s *sqlStore) loadContributions(ctx context.Context) ([]model.Contribution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pool_id, seq, farmer_id, amount, status, joined_at, withdrawn_at
		FROM contributions ORDER BY pool_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("select contributions: %w", err)
	}
	defer rows.Close()

	var out []model.Contribution
	for rows.Next() {
		var (
			c         model.Contribution
			amount    string
			status    string
			joined    int64
			withdrawn sql.NullInt64
		)
		if err := rows.Scan(&c.PoolID, &c.ID, &c.FarmerID, &amount, &status, &joined, &withdrawn); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("contribution %s/%d amount: %w", c.PoolID, c.ID, err)
		}
		c.Status = model.ContributionStatus(status)
		c.JoinedAt = fromMillis(joined)
		if withdrawn.Valid {
			t := fromMillis(withdrawn.Int64)
			c.WithdrawnAt = &t
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return out, nil
}

func (s *sqlStore) loadApplications(ctx context.Context) ([]model.Application, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pool_id, application_id, amount, member_count, submitted_at
		FROM applications ORDER BY submitted_at, pool_id`)
	if err != nil {
		return nil, fmt.Errorf("select applications: %w", err)
	}
	defer rows.Close()

	var out []model.Application
	for rows.Next() {
		var (
			a         model.Application
			amount    string
			submitted int64
		)
		if err := rows.Scan(&a.PoolID, &a.ApplicationID, &amount, &a.MemberCount, &submitted); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("application %s amount: %w", a.PoolID, err)
		}
		a.SubmittedAt = fromMillis(submitted)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Events(ctx context.Context, poolID string) ([]model.PoolEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`SELECT event_type, farmer_id, amount, state, version, timestamp, note
		FROM pool_events WHERE pool_id = ? ORDER BY id`), poolID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var out []model.PoolEvent
	for rows.Next() {
		var (
			e          model.PoolEvent
			typ, state string
			amount     string
			ts         int64
		)
		if err := rows.Scan(&typ, &e.FarmerID, &amount, &state, &e.Version, &ts, &e.Note); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("event amount: %w", err)
		}
		e.PoolID = poolID
		e.Type = model.EventType(typ)
		e.State = model.PoolState(state)
		e.At = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return errors.New("store not open")
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
