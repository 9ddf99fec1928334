package concurrency

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newMockLimiter(t *testing.T) (*SQLLimiter, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLLimiter(SQLOptions{LockClause: " FOR UPDATE"}), db, mock
}

func TestSQLLimiter_TryAcquireTakesFreeSlot(t *testing.T) {
	l, db, mock := newMockLimiter(t)

	mock.ExpectExec("INSERT INTO concurrency_counter").
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT job_ids FROM concurrency_counter WHERE concurrency_key = \? FOR UPDATE`).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"job_ids"}).AddRow(`["a"]`))
	mock.ExpectExec("UPDATE concurrency_counter SET current_count").
		WithArgs(2, `["a","b"]`, "k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.TryAcquire(context.Background(), db, "k", 2, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLimiter_TryAcquireFailsClosedAtLimit(t *testing.T) {
	l, db, mock := newMockLimiter(t)

	mock.ExpectExec("INSERT INTO concurrency_counter").
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT job_ids FROM concurrency_counter").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"job_ids"}).AddRow(`["a"]`))

	ok, err := l.TryAcquire(context.Background(), db, "k", 1, "b")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLimiter_ReleaseWithoutRowIsNoop(t *testing.T) {
	l, db, mock := newMockLimiter(t)

	mock.ExpectQuery("SELECT job_ids FROM concurrency_counter").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"job_ids"}))

	released, err := l.Release(context.Background(), db, "missing", "a")
	require.NoError(t, err)
	assert.False(t, released)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLimiter_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(Schema)
	require.NoError(t, err)

	l := NewSQLLimiter(SQLOptions{})

	ok, err := l.TryAcquire(ctx, db, "k", 1, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.TryAcquire(ctx, db, "k", 1, "job-2")
	require.NoError(t, err)
	require.False(t, ok, "second holder must be refused at limit 1")

	// Re-entrant for the holder.
	ok, err = l.TryAcquire(ctx, db, "k", 1, "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	count, ids, err := l.Count(ctx, db, "k")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"job-1"}, ids)

	released, err := l.Release(ctx, db, "k", "job-1")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = l.Release(ctx, db, "k", "job-1")
	require.NoError(t, err)
	assert.False(t, released, "double release must not decrement twice")

	count, _, err = l.Count(ctx, db, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestCounters(t *testing.T) {
	c := Counters{}

	assert.True(t, c.TryAcquire("k", 2, "a"))
	assert.True(t, c.TryAcquire("k", 2, "b"))
	assert.False(t, c.TryAcquire("k", 2, "c"))
	assert.True(t, c.TryAcquire("free", 0, "x"), "limit 0 never blocks")

	snapshot := c.Clone()

	assert.True(t, c.Release("k", "a"))
	assert.False(t, c.Release("k", "a"))

	n, ids := c.Count("k")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, ids)

	n, _ = snapshot.Count("k")
	assert.Equal(t, 2, n, "clone is independent")
}
