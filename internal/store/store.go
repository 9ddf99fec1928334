// Package store is the job record store: the queued table holding runnable
// and running jobs, and the append-only completed table. A job id lives in
// exactly one of the two at any time; Tx.Complete moves it atomically.
package store

import (
	"context"
	"time"

	"github.com/petrijr/jobflow/pkg/api"
)

// DefaultPullBatch is how many candidate rows a SQL pull locks at once.
// Candidates whose concurrency key is already full are excluded before the
// batch is cut.
const DefaultPullBatch = 16

// PullRequest selects the job a worker may run.
type PullRequest struct {
	Worker string
	Tags   []string
	Now    time.Time
	// Batch bounds how many rows a SQL pull locks; 0 means DefaultPullBatch.
	// The memory store ignores it.
	Batch int
}

// QueueFilter narrows ListQueued. Zero values mean "no filter".
type QueueFilter struct {
	WorkspaceID string
	ParentJob   string
	RunningOnly bool
	Limit       int
}

// Store is the job record store.
type Store interface {
	// WithTx runs fn in a single transaction. Any error rolls back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Pull atomically claims the next runnable job for the given tags: highest
	// priority first, then earliest scheduled_for, then oldest. It returns
	// (nil, nil) when nothing is runnable and (nil, ErrConcurrencyLimitReached)
	// when every candidate is held back by its concurrency key.
	Pull(ctx context.Context, req PullRequest) (*api.QueuedJob, error)

	GetQueued(ctx context.Context, id string) (*api.QueuedJob, error)
	GetCompleted(ctx context.Context, id string) (*api.CompletedJob, error)
	ListQueued(ctx context.Context, filter QueueFilter) ([]*api.QueuedJob, error)

	// AppendLogs appends to the running job's logs.
	AppendLogs(ctx context.Context, id string, chunk string) error

	// Ping records a heartbeat for a job running on worker and reports its
	// cancel flag. It returns ErrJobNotFound when the job is not running or
	// belongs to another worker.
	Ping(ctx context.Context, id, worker string, at time.Time) (canceled bool, reason string, err error)

	// FindZombies returns running jobs whose last heartbeat is older than
	// cutoff, plus flow jobs claimed before cutoff that never started.
	FindZombies(ctx context.Context, cutoff time.Time) ([]*api.QueuedJob, error)

	// FindExpiredSuspends returns suspended flows whose approval deadline
	// passed.
	FindExpiredSuspends(ctx context.Context, now time.Time) ([]*api.QueuedJob, error)

	// DeleteCompletedBefore removes completed jobs older than before.
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)

	// ConcurrencyCount returns the holders of a concurrency key.
	ConcurrencyCount(ctx context.Context, key string) (int, []string, error)

	// PingWorker and LastSeen make every store usable as a worker liveness
	// registry.
	PingWorker(ctx context.Context, worker string, at time.Time) error
	LastSeen(ctx context.Context, worker string) (time.Time, error)

	Close() error
}

// Tx is the set of mutations that must happen atomically with each other.
type Tx interface {
	// Insert adds a new queued job.
	Insert(ctx context.Context, job *api.QueuedJob) error

	// Lock returns the queued job and holds its row until the transaction
	// ends. It returns ErrJobNotFound when the job is no longer queued.
	Lock(ctx context.Context, id string) (*api.QueuedJob, error)

	// Update writes back the mutable columns of a locked job.
	Update(ctx context.Context, job *api.QueuedJob) error

	// Complete deletes the queued row, inserts the completed row and releases
	// the job's concurrency slot. It reports false, changing nothing, when
	// the job is not queued anymore.
	Complete(ctx context.Context, job *api.CompletedJob) (bool, error)

	// ReleaseConcurrency frees a job's slot without completing it (requeue).
	ReleaseConcurrency(ctx context.Context, key, jobID string) (bool, error)

	// Children lists queued jobs whose parent_job is parentID.
	Children(ctx context.Context, parentID string) ([]*api.QueuedJob, error)
}
