// Package audit persists job lifecycle events outside the job tables, so they
// survive retention of completed jobs.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

// SQLSink appends events to the job_audit table of a SQL store's database.
type SQLSink struct {
	db *sql.DB
	d  store.Dialect
}

var _ api.AuditSink = (*SQLSink)(nil)

// NewSQLSink creates the job_audit table if needed.
func NewSQLSink(ctx context.Context, db *sql.DB, d store.Dialect) (*SQLSink, error) {
	suffix := ""
	if d.Name == store.MySQL.Name {
		suffix = " ENGINE=InnoDB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_audit (
			job_id VARCHAR(64) NOT NULL,
			workspace_id VARCHAR(255) NOT NULL,
			at BIGINT NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			parent_job VARCHAR(64) NOT NULL,
			worker VARCHAR(255) NOT NULL,
			detail TEXT NOT NULL
		)` + suffix,
	}
	if d.Name != store.MySQL.Name {
		stmts = append(stmts, `CREATE INDEX IF NOT EXISTS idx_job_audit_job ON job_audit (job_id)`)
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
	}
	return &SQLSink{db: db, d: d}, nil
}

func (s *SQLSink) Record(ctx context.Context, ev api.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, s.d.Rebind(`
		INSERT INTO job_audit (job_id, workspace_id, at, event_type, kind, parent_job, worker, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.JobID, ev.WorkspaceID, ev.At.UnixNano(), string(ev.Type), string(ev.Kind), ev.ParentJob, ev.Worker, ev.Detail)
	if err != nil {
		return fmt.Errorf("audit record %s: %w", ev.JobID, err)
	}
	return nil
}

// List returns the events of one job, oldest first.
func (s *SQLSink) List(ctx context.Context, jobID string) ([]api.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(`
		SELECT job_id, workspace_id, at, event_type, kind, parent_job, worker, detail
		FROM job_audit WHERE job_id = ? ORDER BY at ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("audit list %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []api.AuditEvent
	for rows.Next() {
		var (
			ev       api.AuditEvent
			at       int64
			typ, knd string
		)
		if err := rows.Scan(&ev.JobID, &ev.WorkspaceID, &at, &typ, &knd, &ev.ParentJob, &ev.Worker, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, at).UTC()
		ev.Type = api.EventType(typ)
		ev.Kind = api.JobKind(knd)
		out = append(out, ev)
	}
	return out, rows.Err()
}
