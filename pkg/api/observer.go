package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the queue for logging and metrics.
//
// Implementations should be fast and non-blocking; callbacks run after the
// corresponding transaction committed, on the caller's goroutine.
type Observer interface {
	// OnJobPushed is called once a job row is committed to the queue.
	OnJobPushed(ctx context.Context, job *QueuedJob)

	// OnJobStarted is called when a worker pulled the job.
	OnJobStarted(ctx context.Context, job *QueuedJob)

	// OnJobCompleted is called after the job moved to the completed table,
	// for successes, failures and cancellations alike.
	OnJobCompleted(ctx context.Context, job *CompletedJob)

	// OnFlowStep is called when a flow scheduled module stepIndex.
	OnFlowStep(ctx context.Context, flow *QueuedJob, moduleID string, stepIndex int)

	// OnZombie is called by the recovery sweep; requeued tells whether the
	// job was restarted or failed.
	OnZombie(ctx context.Context, job *QueuedJob, requeued bool)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnJobPushed(ctx context.Context, job *QueuedJob)       {}
func (NoopObserver) OnJobStarted(ctx context.Context, job *QueuedJob)      {}
func (NoopObserver) OnJobCompleted(ctx context.Context, job *CompletedJob) {}
func (NoopObserver) OnZombie(ctx context.Context, job *QueuedJob, r bool)  {}
func (NoopObserver) OnFlowStep(ctx context.Context, flow *QueuedJob, id string, idx int) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnJobPushed(ctx context.Context, job *QueuedJob) {
	for _, o := range c.observers {
		o.OnJobPushed(ctx, job)
	}
}

func (c *CompositeObserver) OnJobStarted(ctx context.Context, job *QueuedJob) {
	for _, o := range c.observers {
		o.OnJobStarted(ctx, job)
	}
}

func (c *CompositeObserver) OnJobCompleted(ctx context.Context, job *CompletedJob) {
	for _, o := range c.observers {
		o.OnJobCompleted(ctx, job)
	}
}

func (c *CompositeObserver) OnFlowStep(ctx context.Context, flow *QueuedJob, moduleID string, idx int) {
	for _, o := range c.observers {
		o.OnFlowStep(ctx, flow, moduleID, idx)
	}
}

func (c *CompositeObserver) OnZombie(ctx context.Context, job *QueuedJob, requeued bool) {
	for _, o := range c.observers {
		o.OnZombie(ctx, job, requeued)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs job lifecycle events using
// the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnJobPushed(ctx context.Context, job *QueuedJob) {
	o.Logger.DebugContext(ctx, "job_pushed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("tag", job.Tag),
		slog.String("parent_job", job.ParentJob),
	)
}

func (o *LoggingObserver) OnJobStarted(ctx context.Context, job *QueuedJob) {
	o.Logger.InfoContext(ctx, "job_started",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("worker", job.Worker),
	)
}

func (o *LoggingObserver) OnJobCompleted(ctx context.Context, job *CompletedJob) {
	if job.Success {
		o.Logger.InfoContext(ctx, "job_completed",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Duration("duration", job.Duration),
		)
		return
	}
	o.Logger.ErrorContext(ctx, "job_failed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Bool("canceled", job.Canceled),
		slog.Any("error", job.Error),
	)
}

func (o *LoggingObserver) OnFlowStep(ctx context.Context, flow *QueuedJob, moduleID string, idx int) {
	o.Logger.DebugContext(ctx, "flow_step",
		slog.String("flow_id", flow.ID),
		slog.String("step", moduleID),
		slog.Int("step_index", idx),
	)
}

func (o *LoggingObserver) OnZombie(ctx context.Context, job *QueuedJob, requeued bool) {
	o.Logger.WarnContext(ctx, "zombie_job",
		slog.String("job_id", job.ID),
		slog.String("worker", job.Worker),
		slog.Int("restarts", job.ZombieRestarts),
		slog.Bool("requeued", requeued),
	)
}

// BasicMetrics collects simple counters and aggregate job durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	jobsPushed    atomic.Int64
	jobsStarted   atomic.Int64
	jobsSucceeded atomic.Int64
	jobsFailed    atomic.Int64
	jobsCanceled  atomic.Int64
	zombies       atomic.Int64
	totalDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	JobsPushed    int64
	JobsStarted   int64
	JobsSucceeded int64
	JobsFailed    int64
	JobsCanceled  int64
	Zombies       int64

	AvgJobDuration time.Duration
}

func (m *BasicMetrics) OnJobPushed(ctx context.Context, job *QueuedJob) {
	m.jobsPushed.Add(1)
}

func (m *BasicMetrics) OnJobStarted(ctx context.Context, job *QueuedJob) {
	m.jobsStarted.Add(1)
}

func (m *BasicMetrics) OnJobCompleted(ctx context.Context, job *CompletedJob) {
	switch {
	case job.Canceled:
		m.jobsCanceled.Add(1)
	case job.Success:
		m.jobsSucceeded.Add(1)
		m.totalDuration.Add(job.Duration.Nanoseconds())
	default:
		m.jobsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnZombie(ctx context.Context, job *QueuedJob, requeued bool) {
	m.zombies.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	succeeded := m.jobsSucceeded.Load()
	totalNs := m.totalDuration.Load()

	var avg time.Duration
	if succeeded > 0 {
		avg = time.Duration(totalNs / succeeded)
	}

	return BasicMetricsSnapshot{
		JobsPushed:     m.jobsPushed.Load(),
		JobsStarted:    m.jobsStarted.Load(),
		JobsSucceeded:  succeeded,
		JobsFailed:     m.jobsFailed.Load(),
		JobsCanceled:   m.jobsCanceled.Load(),
		Zombies:        m.zombies.Load(),
		AvgJobDuration: avg,
	}
}
