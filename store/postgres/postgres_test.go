package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/idemflow/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db, ""), mock
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "idemflow"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < 6; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
}

func TestUpsertContributionUsesKeyAsConflictTarget(t *testing.T) {
	s, mock := newMockStore(t)
	c := store.Contribution{Key: "cost.accrued:evt-1", EntityID: "X-1", Period: "2026-01-13", Amount: decimal.NewFromInt(5)}

	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "idemflow".contributions`) + ".*" + regexp.QuoteMeta("ON CONFLICT (idempotency_key) DO UPDATE")).
			WithArgs("cost.accrued:evt-1", "X-1", "2026-01-13", "5", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	require.NoError(t, s.UpsertContribution(context.Background(), c))
	require.NoError(t, s.UpsertContribution(context.Background(), c))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0) FROM "idemflow".contributions`)).
		WithArgs("X-1", "2026-01-13").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("5"))

	total, err := s.Total(context.Background(), "X-1", "2026-01-13")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5)))
}

func TestUpsertContributionErrors(t *testing.T) {
	s, mock := newMockStore(t)
	c := store.Contribution{Key: "k", EntityID: "X-1", Period: "p", Amount: decimal.NewFromInt(1)}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "idemflow".contributions`)).
		WillReturnError(errors.New("driver: bad connection"))
	assert.ErrorIs(t, s.UpsertContribution(context.Background(), c), store.ErrUnavailable)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "idemflow".contributions`)).
		WillReturnError(&pq.Error{Code: "23514", Message: "check violation"})
	assert.ErrorIs(t, s.UpsertContribution(context.Background(), c), store.ErrInvalidArgument)
}

func TestIncrementOnce(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "idemflow".processed_markers (marker) VALUES ($1) ON CONFLICT (marker) DO NOTHING`)).
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "idemflow".counters`)).
		WithArgs("X-1", "p", "5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := s.IncrementOnce(ctx, "m-1", "X-1", "p", decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.True(t, applied)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "idemflow".processed_markers`)).
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, err = s.IncrementOnce(ctx, "m-1", "X-1", "p", decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestIncrementOnceRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "idemflow".processed_markers`)).
		WithArgs("m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "idemflow".counters`)).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	applied, err := s.IncrementOnce(context.Background(), "m-1", "X-1", "p", decimal.NewFromInt(5))
	assert.False(t, applied)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestCounterMissingBucketIsZero(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT total FROM "idemflow".counters`)).
		WithArgs("X-1", "p").
		WillReturnRows(sqlmock.NewRows([]string{"total"}))

	total, err := s.Counter(context.Background(), "X-1", "p")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestAddMember(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	insert := regexp.QuoteMeta(`INSERT INTO "idemflow".group_members (group_id, member_id)`)
	exists := regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM "idemflow".member_groups WHERE group_id = $1)`)

	mock.ExpectExec(insert).WithArgs("G-1", "M-1").WillReturnResult(sqlmock.NewResult(0, 1))
	added, err := s.AddMember(ctx, "G-1", "M-1")
	require.NoError(t, err)
	assert.True(t, added)

	mock.ExpectExec(insert).WithArgs("G-1", "M-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(exists).WithArgs("G-1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	added, err = s.AddMember(ctx, "G-1", "M-1")
	require.NoError(t, err)
	assert.False(t, added)

	mock.ExpectExec(insert).WithArgs("G-404", "M-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(exists).WithArgs("G-404").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	_, err = s.AddMember(ctx, "G-404", "M-1")
	assert.ErrorIs(t, err, store.ErrGroupNotFound)
}

func TestMembers(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM "idemflow".member_groups`)).
		WithArgs("G-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT member_id FROM "idemflow".group_members WHERE group_id = $1 ORDER BY member_id`)).
		WithArgs("G-1").
		WillReturnRows(sqlmock.NewRows([]string{"member_id"}).AddRow("M-1").AddRow("M-2"))

	members, err := s.Members(context.Background(), "G-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"M-1", "M-2"}, members)
}

func TestCustomSchemaIsQuoted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, `tenant"a`)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "tenant""a".member_groups (group_id) VALUES ($1) ON CONFLICT (group_id) DO NOTHING`)).
		WithArgs("G-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.CreateGroup(context.Background(), "G-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
