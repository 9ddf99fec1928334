// Package concurrency enforces per-key caps on simultaneously running jobs.
//
// Counters are rows keyed by concurrency key holding the ids of the jobs that
// currently own a slot. Acquire and release always run inside the caller's
// transaction, next to the job state change they belong to, so a crash can
// never leak a slot or count a job twice.
package concurrency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Querier is satisfied by *sql.Tx and *sql.DB.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLOptions adapts the limiter's queries to a SQL dialect.
type SQLOptions struct {
	// Rebind rewrites '?' placeholders, e.g. to $1 for Postgres.
	Rebind func(string) string
	// LockClause is appended to the counter SELECT, e.g. " FOR UPDATE".
	LockClause string
	// EnsureRow inserts an empty counter row for the key if none exists.
	// It takes the key as its only parameter.
	EnsureRow string
}

// SQLLimiter implements try_acquire/release against the concurrency_counter
// table.
type SQLLimiter struct {
	opts SQLOptions
}

// NewSQLLimiter creates a limiter for the given dialect options.
func NewSQLLimiter(opts SQLOptions) *SQLLimiter {
	if opts.Rebind == nil {
		opts.Rebind = func(q string) string { return q }
	}
	if opts.EnsureRow == "" {
		opts.EnsureRow = `INSERT INTO concurrency_counter (concurrency_key, current_count, job_ids)
			VALUES (?, 0, '[]') ON CONFLICT (concurrency_key) DO NOTHING`
	}
	return &SQLLimiter{opts: opts}
}

// Schema is the counter table DDL shared by every dialect.
const Schema = `
	CREATE TABLE IF NOT EXISTS concurrency_counter (
		concurrency_key VARCHAR(255) PRIMARY KEY,
		current_count INTEGER NOT NULL DEFAULT 0,
		job_ids TEXT NOT NULL
	)`

// TryAcquire takes a slot for jobID under key. It returns false, without
// error, when the key already has limit holders; the job then stays queued.
// A limit <= 0 never blocks but the slot is still tracked. Acquiring twice
// for the same job is a no-op that reports true.
func (l *SQLLimiter) TryAcquire(ctx context.Context, q Querier, key string, limit int, jobID string) (bool, error) {
	if _, err := q.ExecContext(ctx, l.opts.Rebind(l.opts.EnsureRow), key); err != nil {
		return false, fmt.Errorf("ensure counter %q: %w", key, err)
	}
	ids, err := l.lockRow(ctx, q, key)
	if err != nil {
		return false, err
	}
	if slices.Contains(ids, jobID) {
		return true, nil
	}
	if limit > 0 && len(ids) >= limit {
		return false, nil
	}
	return true, l.write(ctx, q, key, append(ids, jobID))
}

// Release frees jobID's slot. It reports whether a slot was actually held,
// so releasing twice never decrements twice.
func (l *SQLLimiter) Release(ctx context.Context, q Querier, key, jobID string) (bool, error) {
	ids, err := l.lockRow(ctx, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	idx := slices.Index(ids, jobID)
	if idx < 0 {
		return false, nil
	}
	return true, l.write(ctx, q, key, slices.Delete(ids, idx, idx+1))
}

// Count returns the current holder count and ids for key.
func (l *SQLLimiter) Count(ctx context.Context, q Querier, key string) (int, []string, error) {
	var (
		count int
		raw   string
	)
	err := q.QueryRowContext(ctx, l.opts.Rebind(`
		SELECT current_count, job_ids FROM concurrency_counter WHERE concurrency_key = ?`), key).Scan(&count, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	ids, err := decodeIDs(raw)
	return count, ids, err
}

func (l *SQLLimiter) lockRow(ctx context.Context, q Querier, key string) ([]string, error) {
	var raw string
	err := q.QueryRowContext(ctx, l.opts.Rebind(`
		SELECT job_ids FROM concurrency_counter WHERE concurrency_key = ?`+l.opts.LockClause), key).Scan(&raw)
	if err != nil {
		return nil, err
	}
	return decodeIDs(raw)
}

func (l *SQLLimiter) write(ctx context.Context, q Querier, key string, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, l.opts.Rebind(`
		UPDATE concurrency_counter SET current_count = ?, job_ids = ? WHERE concurrency_key = ?`),
		len(ids), string(raw), key)
	return err
}

func decodeIDs(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode concurrency job ids: %w", err)
	}
	return ids, nil
}
