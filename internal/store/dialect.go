package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/petrijr/jobflow/internal/concurrency"
)

// Dialect captures the differences between the SQL backends. Queries are
// written once with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name string

	numbered   bool   // $1, $2 ... placeholders
	skipLocked string // row claim clause for pull
	forUpdate  string // row lock clause for Tx.Lock and counters
	concatLogs string // SQL expression appending ? to logs

	ensureCounter string
	upsertPing    string
	tableSuffix   string
	indexes       []string

	conflict func(error) bool
}

// Postgres is the primary backend: row locks with SKIP LOCKED.
var Postgres = Dialect{
	Name:          "postgres",
	numbered:      true,
	skipLocked:    " FOR UPDATE SKIP LOCKED",
	forUpdate:     " FOR UPDATE",
	concatLogs:    "logs || ?",
	ensureCounter: `INSERT INTO concurrency_counter (concurrency_key, current_count, job_ids) VALUES (?, 0, '[]') ON CONFLICT (concurrency_key) DO NOTHING`,
	upsertPing:    `INSERT INTO worker_ping (worker, ping_at) VALUES (?, ?) ON CONFLICT (worker) DO UPDATE SET ping_at = excluded.ping_at`,
	indexes: []string{
		`CREATE INDEX IF NOT EXISTS idx_job_queue_pull ON job_queue (running, tag, scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_job_queue_parent ON job_queue (parent_job)`,
		`CREATE INDEX IF NOT EXISTS idx_job_completed_at ON job_completed (completed_at)`,
	},
	conflict: func(err error) bool {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return false
		}
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	},
}

// SQLite has a single writer; transactions serialize instead of skipping
// locked rows. Open file databases with _txlock=immediate.
var SQLite = Dialect{
	Name:          "sqlite",
	concatLogs:    "logs || ?",
	ensureCounter: `INSERT INTO concurrency_counter (concurrency_key, current_count, job_ids) VALUES (?, 0, '[]') ON CONFLICT (concurrency_key) DO NOTHING`,
	upsertPing:    `INSERT INTO worker_ping (worker, ping_at) VALUES (?, ?) ON CONFLICT (worker) DO UPDATE SET ping_at = excluded.ping_at`,
	indexes: []string{
		`CREATE INDEX IF NOT EXISTS idx_job_queue_pull ON job_queue (running, tag, scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_job_queue_parent ON job_queue (parent_job)`,
		`CREATE INDEX IF NOT EXISTS idx_job_completed_at ON job_completed (completed_at)`,
	},
	conflict: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	},
}

// MySQL 8 supports SKIP LOCKED; indexes are declared inline.
var MySQL = Dialect{
	Name:          "mysql",
	skipLocked:    " FOR UPDATE SKIP LOCKED",
	forUpdate:     " FOR UPDATE",
	concatLogs:    "CONCAT(logs, ?)",
	ensureCounter: `INSERT IGNORE INTO concurrency_counter (concurrency_key, current_count, job_ids) VALUES (?, 0, '[]')`,
	upsertPing:    `INSERT INTO worker_ping (worker, ping_at) VALUES (?, ?) ON DUPLICATE KEY UPDATE ping_at = VALUES(ping_at)`,
	tableSuffix:   " ENGINE=InnoDB",
	conflict: func(err error) bool {
		var me *mysql.MySQLError
		if !errors.As(err, &me) {
			return false
		}
		return me.Number == 1213 || me.Number == 1205
	},
}

// Rebind rewrites '?' placeholders for dialects with numbered parameters.
func (d Dialect) Rebind(q string) string {
	if !d.numbered {
		return q
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(q) + 8)
	for _, r := range q {
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

// IsConflict reports whether err is a lock or serialization conflict worth
// retrying.
func (d Dialect) IsConflict(err error) bool {
	return err != nil && d.conflict != nil && d.conflict(err)
}

func (d Dialect) limiter() *concurrency.SQLLimiter {
	return concurrency.NewSQLLimiter(concurrency.SQLOptions{
		Rebind:     d.Rebind,
		LockClause: d.forUpdate,
		EnsureRow:  d.ensureCounter,
	})
}

func (d Dialect) schema() []string {
	queue := `
		CREATE TABLE IF NOT EXISTS job_queue (
			id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(128) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			language VARCHAR(32) NOT NULL,
			script_path VARCHAR(255) NOT NULL,
			script_hash VARCHAR(128) NOT NULL,
			code TEXT NOT NULL,
			args TEXT NOT NULL,
			tag VARCHAR(128) NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			scheduled_for BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			last_ping BIGINT NOT NULL DEFAULT 0,
			running BOOLEAN NOT NULL DEFAULT FALSE,
			worker VARCHAR(128) NOT NULL DEFAULT '',
			concurrency_key VARCHAR(255) NOT NULL DEFAULT '',
			concurrency_limit INTEGER NOT NULL DEFAULT 0,
			timeout_secs INTEGER NOT NULL DEFAULT 0,
			dedicated BOOLEAN NOT NULL DEFAULT FALSE,
			parent_job VARCHAR(64) NOT NULL DEFAULT '',
			root_job VARCHAR(64) NOT NULL DEFAULT '',
			flow_innermost_root_job VARCHAR(64) NOT NULL DEFAULT '',
			raw_flow TEXT NOT NULL,
			flow_status TEXT NOT NULL,
			canceled BOOLEAN NOT NULL DEFAULT FALSE,
			canceled_by VARCHAR(128) NOT NULL DEFAULT '',
			canceled_reason TEXT NOT NULL,
			suspend INTEGER NOT NULL DEFAULT 0,
			suspend_until BIGINT NOT NULL DEFAULT 0,
			zombie_restarts INTEGER NOT NULL DEFAULT 0,
			logs TEXT NOT NULL`
	completed := `
		CREATE TABLE IF NOT EXISTS job_completed (
			id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(128) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			language VARCHAR(32) NOT NULL,
			script_path VARCHAR(255) NOT NULL,
			script_hash VARCHAR(128) NOT NULL,
			args TEXT NOT NULL,
			tag VARCHAR(128) NOT NULL,
			parent_job VARCHAR(64) NOT NULL DEFAULT '',
			root_job VARCHAR(64) NOT NULL DEFAULT '',
			flow_innermost_root_job VARCHAR(64) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL,
			result TEXT NOT NULL,
			error TEXT NOT NULL,
			raw_flow TEXT NOT NULL,
			flow_status TEXT NOT NULL,
			canceled BOOLEAN NOT NULL DEFAULT FALSE,
			canceled_by VARCHAR(128) NOT NULL DEFAULT '',
			canceled_reason TEXT NOT NULL,
			logs TEXT NOT NULL,
			concurrency_key VARCHAR(255) NOT NULL DEFAULT '',
			worker VARCHAR(128) NOT NULL DEFAULT ''`
	ping := `
		CREATE TABLE IF NOT EXISTS worker_ping (
			worker VARCHAR(128) PRIMARY KEY,
			ping_at BIGINT NOT NULL`

	if d.Name == MySQL.Name {
		queue += `,
			INDEX idx_job_queue_pull (running, tag, scheduled_for),
			INDEX idx_job_queue_parent (parent_job)`
		completed += `,
			INDEX idx_job_completed_at (completed_at)`
	}

	stmts := []string{
		queue + "\n\t\t)" + d.tableSuffix,
		completed + "\n\t\t)" + d.tableSuffix,
		ping + "\n\t\t)" + d.tableSuffix,
		concurrency.Schema + d.tableSuffix,
	}
	return append(stmts, d.indexes...)
}
