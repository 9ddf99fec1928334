package jobflow

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/petrijr/jobflow/internal/queue"
	"github.com/petrijr/jobflow/internal/sandbox"
	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
	"github.com/petrijr/jobflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Queue        = queue.Service
	QueueOptions = queue.Options
	PushRequest  = queue.PushRequest

	Runner        = sandbox.Runner
	RunnerFunc    = sandbox.RunnerFunc
	ScriptRequest = sandbox.Request

	Worker        = worker.Worker
	WorkerConfig  = worker.Config
	WorkerOptions = worker.Options

	JobView        = api.JobView
	JobStatus      = api.JobStatus
	JobError       = api.JobError
	ErrorKind      = api.ErrorKind
	Language       = api.Language
	FlowDefinition = api.FlowDefinition
	FlowModule     = api.FlowModule
	InputTransform = api.InputTransform
	Approval       = api.Approval

	Observer          = api.Observer
	LoggingObserver   = api.LoggingObserver
	BasicMetrics      = api.BasicMetrics
	CompositeObserver = api.CompositeObserver
	NoopObserver      = api.NoopObserver
)

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	// Static and Expr build module inputs.
	Static = api.Static
	Expr   = api.Expr
)

const (
	LangBash    = api.LangBash
	LangPython3 = api.LangPython3
	LangDeno    = api.LangDeno
	LangBun     = api.LangBun

	StatusQueued    = api.JobQueued
	StatusRunning   = api.JobRunning
	StatusSuspended = api.JobSuspended
	StatusSuccess   = api.JobSuccess
	StatusFailure   = api.JobFailure
	StatusCanceled  = api.JobCanceled
)

// Queue constructors. These wrap the internal store and queue packages so
// external callers never need to import them.

// NewMemoryQueue returns a Queue that keeps every job in memory.
func NewMemoryQueue(opts QueueOptions) *Queue {
	return queue.New(store.NewMemoryStore(), opts)
}

// NewSQLiteQueue returns a Queue persisted in SQLite. The schema is created
// when missing.
func NewSQLiteQueue(ctx context.Context, db *sql.DB, opts QueueOptions) (*Queue, error) {
	st, err := store.NewSQLite(ctx, db)
	if err != nil {
		return nil, err
	}
	return queue.New(st, opts), nil
}

// NewPostgresQueue returns a Queue persisted in PostgreSQL.
func NewPostgresQueue(ctx context.Context, db *sql.DB, opts QueueOptions) (*Queue, error) {
	st, err := store.NewPostgres(ctx, db)
	if err != nil {
		return nil, err
	}
	return queue.New(st, opts), nil
}

// NewMySQLQueue returns a Queue persisted in MySQL 8.
func NewMySQLQueue(ctx context.Context, db *sql.DB, opts QueueOptions) (*Queue, error) {
	st, err := store.NewMySQL(ctx, db)
	if err != nil {
		return nil, err
	}
	return queue.New(st, opts), nil
}

// NewProcessRunner returns the default sandbox: every script runs as a fresh
// subprocess in its own directory under baseDir.
func NewProcessRunner(baseDir string) Runner {
	return sandbox.NewDefaultRegistry(sandbox.ProcessOptions{BaseDir: baseDir})
}

// NewWorker builds a worker pulling from q.
func NewWorker(q *Queue, cfg WorkerConfig, opts WorkerOptions) *Worker {
	return worker.New(q, cfg, opts)
}

// Convenience helpers that just forward to the Queue.

// PushScript pushes a script job.
func PushScript(ctx context.Context, q *Queue, lang Language, code string, args json.RawMessage) (string, error) {
	return q.Push(ctx, PushRequest{Language: lang, Code: code, Args: args})
}

// PushFlow pushes a flow job built with a FlowBuilder.
func PushFlow(ctx context.Context, q *Queue, b *FlowBuilder, args json.RawMessage) (string, error) {
	def, err := b.Build()
	if err != nil {
		return "", err
	}
	return q.PushFlow(ctx, "", "", def, args)
}

// GetJob returns the current view of a job.
func GetJob(ctx context.Context, q *Queue, id string) (*JobView, error) {
	return q.GetJob(ctx, id, 0)
}
