// Package queue is the job queue on top of the record store: push, pull,
// completion (advancing parent flows in the same transaction), cancellation,
// approvals, status reads and the recovery sweeps.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/jobflow/internal/flow"
	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

// DefaultConflictRetries bounds how often a pull or a transaction is retried
// after a transient lock conflict.
const DefaultConflictRetries = 5

// MaxZombieRestarts is how many times the sweep requeues the same job.
const MaxZombieRestarts = 3

// Notifier wakes up idle workers when a job is pushed for tag.
type Notifier interface {
	Notify(ctx context.Context, tag string) error
}

// Liveness is the worker registry: workers ping it, the zombie sweep asks it
// whether a worker process is still around.
type Liveness interface {
	PingWorker(ctx context.Context, worker string, at time.Time) error
	LastSeen(ctx context.Context, worker string) (time.Time, error)
}

// Options configures a Service. Zero values pick sensible defaults.
type Options struct {
	Machine  *flow.Machine
	Observer api.Observer
	Audit    api.AuditSink
	Notifier Notifier
	// Liveness defaults to the store's own worker ping table.
	Liveness Liveness
	Logger   *slog.Logger

	// RestartZombies requeues zombie jobs whose worker is gone instead of
	// failing them.
	RestartZombies bool

	ConflictRetries int
	Now             func() time.Time
	NewID           func() string
}

// Service is the queue. It holds no authoritative state of its own; every
// transition is a store transaction.
type Service struct {
	store    store.Store
	machine  *flow.Machine
	obs      api.Observer
	audit    api.AuditSink
	notifier Notifier
	liveness Liveness
	log      *slog.Logger

	restartZombies bool
	retries        int
	now            func() time.Time
	newID          func() string
}

// New builds a Service on st.
func New(st store.Store, opts Options) *Service {
	s := &Service{
		store:          st,
		machine:        opts.Machine,
		obs:            opts.Observer,
		audit:          opts.Audit,
		notifier:       opts.Notifier,
		liveness:       opts.Liveness,
		log:            opts.Logger,
		restartZombies: opts.RestartZombies,
		retries:        opts.ConflictRetries,
		now:            opts.Now,
		newID:          opts.NewID,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.machine == nil {
		s.machine = flow.NewMachine(flow.Options{Now: s.now, NewID: s.newID})
	}
	if s.obs == nil {
		s.obs = api.NoopObserver{}
	}
	if s.audit == nil {
		s.audit = api.NoopAuditSink{}
	}
	if s.liveness == nil {
		s.liveness = st
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.retries <= 0 {
		s.retries = DefaultConflictRetries
	}
	return s
}

// Store returns the underlying record store.
func (s *Service) Store() store.Store { return s.store }

// changes collects what a transaction did, for the callbacks that run once
// it committed.
type changes struct {
	pushed    []*api.QueuedJob
	steps     []flowStep
	completed []*api.CompletedJob
	events    []api.AuditEvent
	zombies   []zombie
}

type zombie struct {
	job      *api.QueuedJob
	requeued bool
}

type flowStep struct {
	flow *api.QueuedJob
	step flow.Step
}

// withTx runs fn in a transaction, retrying on lock conflicts. fn gets a
// fresh changes value per attempt.
func (s *Service) withTx(ctx context.Context, fn func(tx store.Tx, ch *changes) error) (*changes, error) {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		ch := &changes{}
		err = s.store.WithTx(ctx, func(tx store.Tx) error { return fn(tx, ch) })
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, api.ErrTransientQueueConflict) {
			return nil, err
		}
		s.log.DebugContext(ctx, "queue transaction conflict, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, err
}

// emit runs the post-commit callbacks.
func (s *Service) emit(ctx context.Context, ch *changes) {
	if ch == nil {
		return
	}
	tags := map[string]bool{}
	for _, j := range ch.pushed {
		s.obs.OnJobPushed(ctx, j)
		tags[j.Tag] = true
	}
	for _, fs := range ch.steps {
		s.obs.OnFlowStep(ctx, fs.flow, fs.step.ModuleID, fs.step.Index)
	}
	for _, c := range ch.completed {
		if err := s.audit.Record(ctx, api.AuditEventFor(c)); err != nil {
			s.log.WarnContext(ctx, "audit record failed", "job_id", c.ID, "error", err)
		}
		s.obs.OnJobCompleted(ctx, c)
	}
	for _, ev := range ch.events {
		if err := s.audit.Record(ctx, ev); err != nil {
			s.log.WarnContext(ctx, "audit record failed", "job_id", ev.JobID, "error", err)
		}
	}
	for _, z := range ch.zombies {
		s.obs.OnZombie(ctx, z.job, z.requeued)
	}
	if s.notifier == nil {
		return
	}
	for tag := range tags {
		if err := s.notifier.Notify(ctx, tag); err != nil {
			s.log.WarnContext(ctx, "notify failed", "tag", tag, "error", err)
		}
	}
}
