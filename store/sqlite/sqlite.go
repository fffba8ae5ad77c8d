// Package sqlite implements the store contracts on an embedded SQLite
// database. Amounts are stored as decimal text and summed in Go so totals
// stay exact.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"

	"github.com/drblury/idemflow/store"
)

// Store implements store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path. ":memory:" keeps everything
// in process. Writers take the database lock when their transaction begins.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "idemflow_store.db"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS contributions (
		idempotency_key TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		period TEXT NOT NULL,
		amount TEXT NOT NULL,
		occurred_at TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_contributions_bucket ON contributions(entity_id, period);

	CREATE TABLE IF NOT EXISTS counters (
		entity_id TEXT NOT NULL,
		period TEXT NOT NULL,
		total TEXT NOT NULL,
		PRIMARY KEY (entity_id, period)
	);

	CREATE TABLE IF NOT EXISTS processed_markers (
		marker TEXT PRIMARY KEY,
		processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS member_groups (
		group_id TEXT PRIMARY KEY,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL REFERENCES member_groups(group_id),
		member_id TEXT NOT NULL,
		linked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (group_id, member_id)
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) UpsertContribution(ctx context.Context, c store.Contribution) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var occurredAt any
	if !c.OccurredAt.IsZero() {
		occurredAt = c.OccurredAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions (idempotency_key, entity_id, period, amount, occurred_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			entity_id = excluded.entity_id,
			period = excluded.period,
			amount = excluded.amount,
			occurred_at = excluded.occurred_at,
			updated_at = CURRENT_TIMESTAMP`,
		c.Key, c.EntityID, c.Period, c.Amount.String(), occurredAt)
	if err != nil {
		return store.Unavailable("upsert contribution", err)
	}
	return nil
}

func (s *Store) Total(ctx context.Context, entityID, period string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT amount FROM contributions WHERE entity_id = ? AND period = ?`, entityID, period)
	if err != nil {
		return decimal.Zero, store.Unavailable("total", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, store.Unavailable("total", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("total: corrupt contribution %q: %w", raw, err)
		}
		total = total.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, store.Unavailable("total", err)
	}
	return total, nil
}

func (s *Store) IncrementOnce(ctx context.Context, marker, entityID, period string, delta decimal.Decimal) (bool, error) {
	if marker == "" {
		return false, fmt.Errorf("%w: marker is empty", store.ErrInvalidArgument)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, store.Unavailable("increment once", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO processed_markers (marker) VALUES (?)`, marker)
	if err != nil {
		return false, store.Unavailable("increment once", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		if err != nil {
			return false, store.Unavailable("increment once", err)
		}
		return false, nil
	}

	// Reading and rewriting the total is atomic only because the transaction
	// holds the write lock from BEGIN (_txlock=immediate) and the pool has a
	// single connection. Relax either and concurrent increments get lost.
	current := decimal.Zero
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT total FROM counters WHERE entity_id = ? AND period = ?`, entityID, period).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, store.Unavailable("increment once", err)
	default:
		if current, err = decimal.NewFromString(raw); err != nil {
			return false, fmt.Errorf("increment once: corrupt counter %q: %w", raw, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO counters (entity_id, period, total) VALUES (?, ?, ?)
		ON CONFLICT(entity_id, period) DO UPDATE SET total = excluded.total`,
		entityID, period, current.Add(delta).String())
	if err != nil {
		return false, store.Unavailable("increment once", err)
	}
	if err := tx.Commit(); err != nil {
		return false, store.Unavailable("increment once", err)
	}
	return true, nil
}

func (s *Store) Counter(ctx context.Context, entityID, period string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT total FROM counters WHERE entity_id = ? AND period = ?`, entityID, period).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, store.Unavailable("counter", err)
	}
	return decimal.NewFromString(raw)
}

func (s *Store) CreateGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: group id is empty", store.ErrInvalidArgument)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO member_groups (group_id) VALUES (?)`, groupID); err != nil {
		return store.Unavailable("create group", err)
	}
	return nil
}

func (s *Store) GroupExists(ctx context.Context, groupID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM member_groups WHERE group_id = ?)`, groupID).Scan(&exists); err != nil {
		return false, store.Unavailable("group exists", err)
	}
	return exists, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, memberID string) (bool, error) {
	if memberID == "" {
		return false, fmt.Errorf("%w: member id is empty", store.ErrInvalidArgument)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, member_id)
		SELECT ?1, ?2 WHERE EXISTS (SELECT 1 FROM member_groups WHERE group_id = ?1)
		ON CONFLICT(group_id, member_id) DO NOTHING`, groupID, memberID)
	if err != nil {
		return false, store.Unavailable("add member", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Unavailable("add member", err)
	}
	if n == 1 {
		return true, nil
	}
	exists, err := s.GroupExists(ctx, groupID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrGroupNotFound
	}
	return false, nil
}

func (s *Store) IsMember(ctx context.Context, groupID, memberID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = ? AND member_id = ?)`, groupID, memberID).Scan(&ok)
	if err != nil {
		return false, store.Unavailable("is member", err)
	}
	return ok, nil
}

func (s *Store) Members(ctx context.Context, groupID string) ([]string, error) {
	exists, err := s.GroupExists(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrGroupNotFound
	}
	rows, err := s.db.QueryContext(ctx, `SELECT member_id FROM group_members WHERE group_id = ? ORDER BY member_id`, groupID)
	if err != nil {
		return nil, store.Unavailable("members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, store.Unavailable("members", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("members", err)
	}
	return members, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.Unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
