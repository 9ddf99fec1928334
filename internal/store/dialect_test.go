package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/jobflow/pkg/api"
)

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", Postgres.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, q, MySQL.Rebind(q))
}

func TestIsConflict(t *testing.T) {
	assert.True(t, Postgres.IsConflict(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})))
	assert.True(t, Postgres.IsConflict(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, Postgres.IsConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, Postgres.IsConflict(errors.New("boom")))
	assert.False(t, Postgres.IsConflict(nil))

	assert.True(t, MySQL.IsConflict(&mysql.MySQLError{Number: 1213}))
	assert.False(t, MySQL.IsConflict(&mysql.MySQLError{Number: 1062}))
}

func newMockStore(t *testing.T, d Dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &SQLStore{db: db, d: d, limiter: d.limiter(), batch: DefaultPullBatch}, mock
}

func TestPostgresPullSkipsLockedRows(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	now := time.Unix(100, 0)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)FROM job_queue\s+WHERE running = \$1 AND scheduled_for <= \$2 AND tag IN \(\$3, \$4\) AND \(concurrency_key = '' OR concurrency_limit <= 0 OR NOT EXISTS \(.+current_count >= job_queue.concurrency_limit\)\)\s+ORDER BY priority DESC, scheduled_for ASC, created_at ASC\s+LIMIT \$5 FOR UPDATE SKIP LOCKED`).
		WithArgs(false, now.UnixNano(), "bash", "flow", DefaultPullBatch).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT 1 FROM job_queue WHERE running = \$1 AND scheduled_for <= \$2 AND tag IN \(\$3, \$4\) AND concurrency_key <> '' LIMIT 1`).
		WithArgs(false, now.UnixNano(), "bash", "flow").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectRollback()

	j, err := s.Pull(context.Background(), PullRequest{Worker: "w", Tags: []string{"bash", "flow"}, Now: now})
	require.NoError(t, err)
	assert.Nil(t, j)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPullConflictIsTransient(t *testing.T) {
	s, mock := newMockStore(t, Postgres)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM job_queue`).WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	_, err := s.Pull(context.Background(), PullRequest{Worker: "w", Tags: []string{"bash"}, Now: time.Unix(1, 0)})
	require.ErrorIs(t, err, api.ErrTransientQueueConflict)
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	s, mock := newMockStore(t, Postgres)
	mock.ExpectQuery(`FROM job_queue WHERE id = \$1`).WillReturnError(errors.New("connection reset"))

	_, err := s.GetQueued(context.Background(), "a")
	var se *api.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get queued", se.Op)
}

func TestMySQLSchemaDeclaresIndexesInline(t *testing.T) {
	stmts := MySQL.schema()
	require.Len(t, stmts, 4)
	assert.Contains(t, stmts[0], "INDEX idx_job_queue_pull")
	assert.Contains(t, stmts[0], "ENGINE=InnoDB")

	pg := Postgres.schema()
	assert.Len(t, pg, 4+len(Postgres.indexes))
}
