package jobflow

import (
	"context"
	"database/sql"

	"github.com/petrijr/jobflow/pkg/worker"
)

// WorkerBundle wires together a SQLite-backed Queue and a Worker that
// consumes jobs from it.
type WorkerBundle struct {
	Queue  *Queue
	Worker *Worker
}

// NewSQLiteBundle constructs a durable Queue + Worker combo sharing the same
// SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:jobflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := jobflow.NewSQLiteBundle(ctx, db, jobflow.WorkerConfig{Tags: []string{"bash"}}, runner)
//	// push jobs via bundle.Queue, run bundle.Worker.Run(ctx)
func NewSQLiteBundle(ctx context.Context, db *sql.DB, cfg WorkerConfig, r Runner) (*WorkerBundle, error) {
	q, err := NewSQLiteQueue(ctx, db, QueueOptions{})
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Queue:  q,
		Worker: worker.New(q, cfg, worker.Options{Sandbox: r}),
	}, nil
}
