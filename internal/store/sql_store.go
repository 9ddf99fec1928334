package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/petrijr/jobflow/internal/concurrency"
	"github.com/petrijr/jobflow/pkg/api"
)

const queueCols = `id, workspace_id, kind, language, script_path, script_hash, code, args, tag, priority,
	created_at, scheduled_for, started_at, last_ping, running, worker, concurrency_key, concurrency_limit,
	timeout_secs, dedicated, parent_job, root_job, flow_innermost_root_job, raw_flow, flow_status,
	canceled, canceled_by, canceled_reason, suspend, suspend_until, zombie_restarts, logs`

const completedCols = `id, workspace_id, kind, language, script_path, script_hash, args, tag, parent_job,
	root_job, flow_innermost_root_job, created_at, started_at, completed_at, duration_ms, success, result,
	error, raw_flow, flow_status, canceled, canceled_by, canceled_reason, logs, concurrency_key, worker`

// SQLStore is a Store backed by database/sql. The dialect decides
// placeholders, row locking and conflict detection.
//
// The caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//	import _ "github.com/jackc/pgx/v5/stdlib"
type SQLStore struct {
	db      *sql.DB
	d       Dialect
	limiter *concurrency.SQLLimiter
	batch   int
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the schema if needed and returns a store.
func NewSQLStore(ctx context.Context, db *sql.DB, d Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d, limiter: d.limiter(), batch: DefaultPullBatch}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLite returns a store on a SQLite database.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(ctx, db, SQLite)
}

// NewPostgres returns a store on a PostgreSQL database.
func NewPostgres(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(ctx, db, Postgres)
}

// NewMySQL returns a store on a MySQL 8 database. The DSN must set
// clientFoundRows=true so that updates report matched rows.
func NewMySQL(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(ctx, db, MySQL)
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.d.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.d.Name, err)
		}
	}
	return nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect.
func (s *SQLStore) Dialect() Dialect { return s.d }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.d.IsConflict(err) {
		return fmt.Errorf("%s: %w: %v", op, api.ErrTransientQueueConflict, err)
	}
	return api.WrapStorage(op, err)
}

func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("begin", err)
	}
	if err := fn(&sqlTx{tx: tx, s: s}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return s.wrap("commit", tx.Commit())
}

func (s *SQLStore) Pull(ctx context.Context, req PullRequest) (*api.QueuedJob, error) {
	if len(req.Tags) == 0 {
		return nil, nil
	}
	batch := req.Batch
	if batch <= 0 {
		batch = s.batch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.wrap("pull: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toNanos(req.Now)
	args := []any{false, now}
	for _, t := range req.Tags {
		args = append(args, t)
	}
	eligible := `running = ? AND scheduled_for <= ? AND tag IN (` + placeholders(len(req.Tags)) + `)`

	// Jobs whose key is already at its limit are filtered here so that a
	// saturated key at the head of the queue cannot hide runnable jobs.
	q := `SELECT ` + queueCols + ` FROM job_queue
		WHERE ` + eligible + ` AND ` + freeKeyClause + `
		ORDER BY priority DESC, scheduled_for ASC, created_at ASC
		LIMIT ?` + s.d.skipLocked

	rows, err := tx.QueryContext(ctx, s.d.Rebind(q), append(slices.Clone(args), batch)...)
	if err != nil {
		return nil, s.wrap("pull: select", err)
	}
	candidates, err := scanQueuedRows(rows)
	if err != nil {
		return nil, s.wrap("pull: scan", err)
	}

	for _, job := range candidates {
		if job.ConcurrencyKey != "" {
			ok, err := s.limiter.TryAcquire(ctx, tx, job.ConcurrencyKey, job.ConcurrencyLimit, job.ID)
			if err != nil {
				return nil, s.wrap("pull: acquire", err)
			}
			if !ok {
				continue
			}
		}

		if _, err := tx.ExecContext(ctx, s.d.Rebind(`
			UPDATE job_queue SET running = ?, started_at = ?, last_ping = ?, worker = ? WHERE id = ?`),
			true, now, now, req.Worker, job.ID); err != nil {
			return nil, s.wrap("pull: claim", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, s.wrap("pull: commit", err)
		}
		job.Running = true
		job.StartedAt = req.Now.UTC()
		job.LastPing = job.StartedAt
		job.Worker = req.Worker
		return job, nil
	}

	// Nothing claimable. Tell a limited queue apart from an empty one.
	var one int
	err = tx.QueryRowContext(ctx, s.d.Rebind(`SELECT 1 FROM job_queue WHERE `+eligible+` AND concurrency_key <> '' LIMIT 1`), args...).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, s.wrap("pull: blocked", err)
	}
	return nil, api.ErrConcurrencyLimitReached
}

// freeKeyClause keeps jobs without a key, with a non-positive limit, or whose
// key still has room.
const freeKeyClause = `(concurrency_key = '' OR concurrency_limit <= 0 OR NOT EXISTS (
			SELECT 1 FROM concurrency_counter c
			WHERE c.concurrency_key = job_queue.concurrency_key AND c.current_count >= job_queue.concurrency_limit))`

func (s *SQLStore) GetQueued(ctx context.Context, id string) (*api.QueuedJob, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(`SELECT `+queueCols+` FROM job_queue WHERE id = ?`), id)
	job, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return job, s.wrap("get queued", err)
}

func (s *SQLStore) GetCompleted(ctx context.Context, id string) (*api.CompletedJob, error) {
	row := s.db.QueryRowContext(ctx, s.d.Rebind(`SELECT `+completedCols+` FROM job_completed WHERE id = ?`), id)
	job, err := scanCompleted(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return job, s.wrap("get completed", err)
}

func (s *SQLStore) ListQueued(ctx context.Context, f QueueFilter) ([]*api.QueuedJob, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.ParentJob != "" {
		where = append(where, "parent_job = ?")
		args = append(args, f.ParentJob)
	}
	if f.RunningOnly {
		where = append(where, "running = ?")
		args = append(args, true)
	}
	q := `SELECT ` + queueCols + ` FROM job_queue`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(q), args...)
	if err != nil {
		return nil, s.wrap("list queued", err)
	}
	jobs, err := scanQueuedRows(rows)
	return jobs, s.wrap("list queued", err)
}

func (s *SQLStore) AppendLogs(ctx context.Context, id string, chunk string) error {
	if chunk == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, s.d.Rebind(`UPDATE job_queue SET logs = `+s.d.concatLogs+` WHERE id = ?`), chunk, id)
	if err != nil {
		return s.wrap("append logs", err)
	}
	return affectedOrNotFound(res)
}

func (s *SQLStore) Ping(ctx context.Context, id, worker string, at time.Time) (bool, string, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(`UPDATE job_queue SET last_ping = ? WHERE id = ? AND running = ? AND worker = ?`),
		toNanos(at), id, true, worker)
	if err != nil {
		return false, "", s.wrap("ping", err)
	}
	if err := affectedOrNotFound(res); err != nil {
		return false, "", err
	}
	var (
		canceled bool
		reason   sql.NullString
	)
	err = s.db.QueryRowContext(ctx, s.d.Rebind(`SELECT canceled, canceled_reason FROM job_queue WHERE id = ?`), id).
		Scan(&canceled, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", api.ErrJobNotFound
	}
	return canceled, reason.String, s.wrap("ping", err)
}

func (s *SQLStore) FindZombies(ctx context.Context, cutoff time.Time) ([]*api.QueuedJob, error) {
	c := toNanos(cutoff)
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(`SELECT `+queueCols+` FROM job_queue
		WHERE running = ? AND suspend = 0 AND (
			(kind <> ? AND last_ping < ?) OR
			(kind = ? AND flow_status = '' AND started_at < ?)
		)`), true, string(api.KindFlow), c, string(api.KindFlow), c)
	if err != nil {
		return nil, s.wrap("find zombies", err)
	}
	jobs, err := scanQueuedRows(rows)
	return jobs, s.wrap("find zombies", err)
}

func (s *SQLStore) FindExpiredSuspends(ctx context.Context, now time.Time) ([]*api.QueuedJob, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(`SELECT `+queueCols+` FROM job_queue
		WHERE suspend > 0 AND suspend_until > 0 AND suspend_until < ?`), toNanos(now))
	if err != nil {
		return nil, s.wrap("find expired suspends", err)
	}
	jobs, err := scanQueuedRows(rows)
	return jobs, s.wrap("find expired suspends", err)
}

func (s *SQLStore) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(`DELETE FROM job_completed WHERE completed_at < ?`), toNanos(before))
	if err != nil {
		return 0, s.wrap("retention", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) ConcurrencyCount(ctx context.Context, key string) (int, []string, error) {
	n, ids, err := s.limiter.Count(ctx, s.db, key)
	return n, ids, s.wrap("concurrency count", err)
}

func (s *SQLStore) PingWorker(ctx context.Context, worker string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.d.Rebind(s.d.upsertPing), worker, toNanos(at))
	return s.wrap("worker ping", err)
}

func (s *SQLStore) LastSeen(ctx context.Context, worker string) (time.Time, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, s.d.Rebind(`SELECT ping_at FROM worker_ping WHERE worker = ?`), worker).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, s.wrap("worker last seen", err)
	}
	return fromNanos(at), nil
}

// sqlTx implements Tx on a *sql.Tx.
type sqlTx struct {
	tx *sql.Tx
	s  *SQLStore
}

func (t *sqlTx) Insert(ctx context.Context, j *api.QueuedJob) error {
	rawFlow, err := encodeJSON(j.RawFlow)
	if err != nil {
		return err
	}
	status, err := encodeJSON(j.FlowStatus)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, t.s.d.Rebind(`INSERT INTO job_queue (`+queueCols+`)
		VALUES (`+placeholders(32)+`)`),
		j.ID, j.WorkspaceID, string(j.Kind), string(j.Language), j.ScriptPath, j.ScriptHash, j.Code,
		string(j.Args), j.Tag, j.Priority, toNanos(j.CreatedAt), toNanos(j.ScheduledFor),
		toNanos(j.StartedAt), toNanos(j.LastPing), j.Running, j.Worker, j.ConcurrencyKey,
		j.ConcurrencyLimit, j.TimeoutSecs, j.Dedicated, j.ParentJob, j.RootJob,
		j.FlowInnermostRootJob, rawFlow, status, j.Canceled, j.CanceledBy, j.CanceledReason,
		j.Suspend, toNanos(j.SuspendUntil), j.ZombieRestarts, j.Logs,
	)
	return t.s.wrap("insert", err)
}

func (t *sqlTx) Lock(ctx context.Context, id string) (*api.QueuedJob, error) {
	row := t.tx.QueryRowContext(ctx, t.s.d.Rebind(`SELECT `+queueCols+` FROM job_queue WHERE id = ?`+t.s.d.forUpdate), id)
	job, err := scanQueued(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrJobNotFound
	}
	return job, t.s.wrap("lock", err)
}

func (t *sqlTx) Update(ctx context.Context, j *api.QueuedJob) error {
	status, err := encodeJSON(j.FlowStatus)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, t.s.d.Rebind(`
		UPDATE job_queue SET
			scheduled_for = ?, started_at = ?, last_ping = ?, running = ?, worker = ?, priority = ?,
			flow_status = ?, canceled = ?, canceled_by = ?, canceled_reason = ?,
			suspend = ?, suspend_until = ?, zombie_restarts = ?
		WHERE id = ?`),
		toNanos(j.ScheduledFor), toNanos(j.StartedAt), toNanos(j.LastPing), j.Running, j.Worker, j.Priority,
		status, j.Canceled, j.CanceledBy, j.CanceledReason,
		j.Suspend, toNanos(j.SuspendUntil), j.ZombieRestarts,
		j.ID,
	)
	if err != nil {
		return t.s.wrap("update", err)
	}
	return affectedOrNotFound(res)
}

func (t *sqlTx) Complete(ctx context.Context, c *api.CompletedJob) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.s.d.Rebind(`DELETE FROM job_queue WHERE id = ?`), c.ID)
	if err != nil {
		return false, t.s.wrap("complete: delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, t.s.wrap("complete: delete", err)
	}
	if n == 0 {
		return false, nil
	}

	rawFlow, err := encodeJSON(c.RawFlow)
	if err != nil {
		return false, err
	}
	status, err := encodeJSON(c.FlowStatus)
	if err != nil {
		return false, err
	}
	jobErr, err := encodeJSON(c.Error)
	if err != nil {
		return false, err
	}
	_, err = t.tx.ExecContext(ctx, t.s.d.Rebind(`INSERT INTO job_completed (`+completedCols+`)
		VALUES (`+placeholders(26)+`)`),
		c.ID, c.WorkspaceID, string(c.Kind), string(c.Language), c.ScriptPath, c.ScriptHash,
		string(c.Args), c.Tag, c.ParentJob, c.RootJob, c.FlowInnermostRootJob,
		toNanos(c.CreatedAt), toNanos(c.StartedAt), toNanos(c.CompletedAt), c.Duration.Milliseconds(),
		c.Success, string(c.Result), jobErr, rawFlow, status, c.Canceled, c.CanceledBy,
		c.CanceledReason, c.Logs, c.ConcurrencyKey, c.Worker,
	)
	if err != nil {
		return false, t.s.wrap("complete: insert", err)
	}

	if c.ConcurrencyKey != "" {
		if _, err := t.s.limiter.Release(ctx, t.tx, c.ConcurrencyKey, c.ID); err != nil {
			return false, t.s.wrap("complete: release", err)
		}
	}
	return true, nil
}

func (t *sqlTx) ReleaseConcurrency(ctx context.Context, key, jobID string) (bool, error) {
	if key == "" {
		return false, nil
	}
	ok, err := t.s.limiter.Release(ctx, t.tx, key, jobID)
	return ok, t.s.wrap("release", err)
}

func (t *sqlTx) Children(ctx context.Context, parentID string) ([]*api.QueuedJob, error) {
	rows, err := t.tx.QueryContext(ctx, t.s.d.Rebind(`SELECT `+queueCols+` FROM job_queue WHERE parent_job = ?`), parentID)
	if err != nil {
		return nil, t.s.wrap("children", err)
	}
	jobs, err := scanQueuedRows(rows)
	return jobs, t.s.wrap("children", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueued(r rowScanner) (*api.QueuedJob, error) {
	var (
		j                                   api.QueuedJob
		kind, lang                          string
		code, args, rawFlow, status, reason sql.NullString
		logs                                sql.NullString
		created, scheduled, started, ping   int64
		suspendUntil                        int64
	)
	err := r.Scan(
		&j.ID, &j.WorkspaceID, &kind, &lang, &j.ScriptPath, &j.ScriptHash, &code, &args, &j.Tag, &j.Priority,
		&created, &scheduled, &started, &ping, &j.Running, &j.Worker, &j.ConcurrencyKey, &j.ConcurrencyLimit,
		&j.TimeoutSecs, &j.Dedicated, &j.ParentJob, &j.RootJob, &j.FlowInnermostRootJob, &rawFlow, &status,
		&j.Canceled, &j.CanceledBy, &reason, &j.Suspend, &suspendUntil, &j.ZombieRestarts, &logs,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = api.JobKind(kind)
	j.Language = api.Language(lang)
	j.Code = code.String
	j.Args = rawOrNil(args.String)
	j.CreatedAt = fromNanos(created)
	j.ScheduledFor = fromNanos(scheduled)
	j.StartedAt = fromNanos(started)
	j.LastPing = fromNanos(ping)
	j.SuspendUntil = fromNanos(suspendUntil)
	j.CanceledReason = reason.String
	j.Logs = logs.String
	if j.RawFlow, err = decodeFlow(rawFlow.String); err != nil {
		return nil, err
	}
	if j.FlowStatus, err = decodeFlowStatus(status.String); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanQueuedRows(rows *sql.Rows) ([]*api.QueuedJob, error) {
	defer rows.Close()
	var out []*api.QueuedJob
	for rows.Next() {
		j, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanCompleted(r rowScanner) (*api.CompletedJob, error) {
	var (
		c                                       api.CompletedJob
		kind, lang                              string
		args, result, jobErr, rawFlow, status   sql.NullString
		reason, logs                            sql.NullString
		created, started, completed, durationMs int64
	)
	err := r.Scan(
		&c.ID, &c.WorkspaceID, &kind, &lang, &c.ScriptPath, &c.ScriptHash, &args, &c.Tag, &c.ParentJob,
		&c.RootJob, &c.FlowInnermostRootJob, &created, &started, &completed, &durationMs, &c.Success, &result,
		&jobErr, &rawFlow, &status, &c.Canceled, &c.CanceledBy, &reason, &logs, &c.ConcurrencyKey, &c.Worker,
	)
	if err != nil {
		return nil, err
	}
	c.Kind = api.JobKind(kind)
	c.Language = api.Language(lang)
	c.Args = rawOrNil(args.String)
	c.Result = rawOrNil(result.String)
	c.CreatedAt = fromNanos(created)
	c.StartedAt = fromNanos(started)
	c.CompletedAt = fromNanos(completed)
	c.Duration = time.Duration(durationMs) * time.Millisecond
	c.CanceledReason = reason.String
	c.Logs = logs.String
	if c.Error, err = decodeJobError(jobErr.String); err != nil {
		return nil, err
	}
	if c.RawFlow, err = decodeFlow(rawFlow.String); err != nil {
		return nil, err
	}
	if c.FlowStatus, err = decodeFlowStatus(status.String); err != nil {
		return nil, err
	}
	return &c, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrJobNotFound
	}
	return nil
}
