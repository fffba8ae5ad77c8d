// Package postgres implements the store contracts on PostgreSQL through
// lib/pq. All writes are single INSERT ... ON CONFLICT statements except the
// marker-guarded increment, which pairs a marker insert with the increment in
// one transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/drblury/idemflow/store"
)

const defaultSchema = "idemflow"

// Store implements store.Store.
type Store struct {
	db     *sql.DB
	schema string
	owned  bool
}

var _ store.Store = (*Store)(nil)

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, dsn, schema string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(db, schema)
	s.owned = true
	return s, nil
}

// New wraps an open database handle. Close leaves db open.
func New(db *sql.DB, schema string) *Store {
	if schema == "" {
		schema = defaultSchema
	}
	return &Store{db: db, schema: pq.QuoteIdentifier(schema)}
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// Migrate creates the schema and tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + s.schema,
		`CREATE TABLE IF NOT EXISTS ` + s.table("contributions") + ` (
			idempotency_key TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			period TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			occurred_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS contributions_bucket_idx ON ` + s.table("contributions") + ` (entity_id, period)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("counters") + ` (
			entity_id TEXT NOT NULL,
			period TEXT NOT NULL,
			total NUMERIC NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_id, period)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("processed_markers") + ` (
			marker TEXT PRIMARY KEY,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("member_groups") + ` (
			group_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("group_members") + ` (
			group_id TEXT NOT NULL REFERENCES ` + s.table("member_groups") + ` (group_id),
			member_id TEXT NOT NULL,
			linked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (group_id, member_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// classify separates constraint violations, which never succeed on retry,
// from everything else.
func classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return fmt.Errorf("%s: %w: %w", op, store.ErrInvalidArgument, err)
	}
	return store.Unavailable(op, err)
}

func nullTime(c store.Contribution) sql.NullTime {
	return sql.NullTime{Time: c.OccurredAt, Valid: !c.OccurredAt.IsZero()}
}

func (s *Store) UpsertContribution(ctx context.Context, c store.Contribution) error {
	if err := c.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO ` + s.table("contributions") + ` (idempotency_key, entity_id, period, amount, occurred_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (idempotency_key) DO UPDATE SET
			entity_id = EXCLUDED.entity_id,
			period = EXCLUDED.period,
			amount = EXCLUDED.amount,
			occurred_at = EXCLUDED.occurred_at,
			updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, c.Key, c.EntityID, c.Period, c.Amount, nullTime(c)); err != nil {
		return classify("upsert contribution", err)
	}
	return nil
}

func (s *Store) Total(ctx context.Context, entityID, period string) (decimal.Decimal, error) {
	var total decimal.Decimal
	query := `SELECT COALESCE(SUM(amount), 0) FROM ` + s.table("contributions") + ` WHERE entity_id = $1 AND period = $2`
	if err := s.db.QueryRowContext(ctx, query, entityID, period).Scan(&total); err != nil {
		return decimal.Zero, classify("total", err)
	}
	return total, nil
}

func (s *Store) IncrementOnce(ctx context.Context, marker, entityID, period string, delta decimal.Decimal) (applied bool, err error) {
	if marker == "" {
		return false, fmt.Errorf("%w: marker is empty", store.ErrInvalidArgument)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("increment once", err)
	}
	defer func() {
		if !applied || err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `INSERT INTO `+s.table("processed_markers")+` (marker) VALUES ($1) ON CONFLICT (marker) DO NOTHING`, marker)
	if err != nil {
		return false, classify("increment once", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("increment once", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO `+s.table("counters")+` (entity_id, period, total) VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, period) DO UPDATE SET total = `+s.table("counters")+`.total + EXCLUDED.total`,
		entityID, period, delta)
	if err != nil {
		return false, classify("increment once", err)
	}
	if err := tx.Commit(); err != nil {
		return false, classify("increment once", err)
	}
	return true, nil
}

func (s *Store) Counter(ctx context.Context, entityID, period string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT total FROM `+s.table("counters")+` WHERE entity_id = $1 AND period = $2`, entityID, period).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, classify("counter", err)
	}
	return total, nil
}

func (s *Store) CreateGroup(ctx context.Context, groupID string) error {
	if groupID == "" {
		return fmt.Errorf("%w: group id is empty", store.ErrInvalidArgument)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO `+s.table("member_groups")+` (group_id) VALUES ($1) ON CONFLICT (group_id) DO NOTHING`, groupID); err != nil {
		return classify("create group", err)
	}
	return nil
}

func (s *Store) GroupExists(ctx context.Context, groupID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+s.table("member_groups")+` WHERE group_id = $1)`, groupID).Scan(&exists); err != nil {
		return false, classify("group exists", err)
	}
	return exists, nil
}

func (s *Store) AddMember(ctx context.Context, groupID, memberID string) (bool, error) {
	if memberID == "" {
		return false, fmt.Errorf("%w: member id is empty", store.ErrInvalidArgument)
	}
	query := `INSERT INTO ` + s.table("group_members") + ` (group_id, member_id)
		SELECT $1::text, $2::text WHERE EXISTS (SELECT 1 FROM ` + s.table("member_groups") + ` WHERE group_id = $1::text)
		ON CONFLICT (group_id, member_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, groupID, memberID)
	if err != nil {
		return false, classify("add member", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("add member", err)
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
	query := `SELECT EXISTS (SELECT 1 FROM ` + s.table("group_members") + ` WHERE group_id = $1 AND member_id = $2)`
	if err := s.db.QueryRowContext(ctx, query, groupID, memberID).Scan(&ok); err != nil {
		return false, classify("is member", err)
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
	rows, err := s.db.QueryContext(ctx, `SELECT member_id FROM `+s.table("group_members")+` WHERE group_id = $1 ORDER BY member_id`, groupID)
	if err != nil {
		return nil, classify("members", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, classify("members", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("members", err)
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
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
