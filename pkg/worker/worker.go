package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/petrijr/jobflow/internal/dedicated"
	"github.com/petrijr/jobflow/internal/notify"
	"github.com/petrijr/jobflow/internal/sandbox"
	"github.com/petrijr/jobflow/pkg/api"
)

// Queue is the part of the job queue a worker drives.
type Queue interface {
	Pull(ctx context.Context, worker string, tags []string) (*api.QueuedJob, error)
	Complete(ctx context.Context, id, worker string, out api.Outcome, logs string, duration time.Duration) (bool, error)
	StartFlow(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id, worker string) (canceled bool, reason string, err error)
	AppendLogs(ctx context.Context, id, chunk string) error
	PingWorker(ctx context.Context, worker string) error
}

// DedicatedRunner runs jobs on long-lived per-script processes.
type DedicatedRunner interface {
	Run(ctx context.Context, spec dedicated.Spec, req dedicated.Request) (json.RawMessage, error)
}

// ArgResolver substitutes indirect arguments before execution.
type ArgResolver interface {
	Resolve(ctx context.Context, workspace, token string, args json.RawMessage) (json.RawMessage, error)
}

// Wakeups delivers push notifications.
type Wakeups interface {
	Subscribe() (<-chan string, func())
}

// Config holds the worker's tunables.
type Config struct {
	WorkerID    string
	WorkerGroup string
	Tags        []string
	// Concurrency is how many jobs run at once.
	Concurrency int

	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	HeartbeatInterval time.Duration
	LogFlushInterval  time.Duration

	DefaultTimeout time.Duration
	MemoryLimitMB  int
	// Token is passed to the resolver and exposed to scripts.
	Token string

	// CompleteRetries bounds attempts at recording a result when the store
	// is failing; CompleteBackoff is the first delay, doubled each time.
	CompleteRetries int
	CompleteBackoff time.Duration

	// ShutdownGrace is how long running jobs may finish after Run's context
	// is done. Jobs still running afterwards are killed and left to the
	// zombie sweep.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.WorkerGroup == "" {
		c.WorkerGroup = "default"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.LogFlushInterval <= 0 {
		c.LogFlushInterval = 2500 * time.Millisecond
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Minute
	}
	if c.CompleteRetries <= 0 {
		c.CompleteRetries = 5
	}
	if c.CompleteBackoff <= 0 {
		c.CompleteBackoff = 100 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Options holds the worker's collaborators. Sandbox is required for script
// jobs; the rest are optional.
type Options struct {
	Sandbox     sandbox.Runner
	Dedicated   DedicatedRunner
	Resolver    ArgResolver
	Wakeups     Wakeups
	Autoscaling api.AutoscalingPolicy
	Logger      *slog.Logger
}

var (
	errJobCanceled = errors.New("job canceled")
	errJobLost     = errors.New("job no longer owned by this worker")
	errShutdown    = errors.New("worker shutting down")
)

// Worker pulls jobs and runs them.
type Worker struct {
	q    Queue
	cfg  Config
	opts Options
	log  *slog.Logger
}

// New builds a Worker.
func New(q Queue, cfg Config, opts Options) *Worker {
	if opts.Autoscaling == nil {
		opts.Autoscaling = api.NoopAutoscaling{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		q:    q,
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.With("worker", cfg.WorkerID),
	}
}

// Run pulls and executes jobs until ctx is done, then waits up to
// ShutdownGrace for running jobs.
func (w *Worker) Run(ctx context.Context) error {
	runCtx, stopJobs := context.WithCancelCause(context.WithoutCancel(ctx))
	defer stopJobs(errShutdown)

	var wakeups <-chan string
	if w.opts.Wakeups != nil {
		ch, unsub := w.opts.Wakeups.Subscribe()
		defer unsub()
		wakeups = ch
	}

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		w.pingLoop(ctx)
	}()
	defer bg.Wait()

	w.log.InfoContext(ctx, "worker started", "tags", w.cfg.Tags, "concurrency", w.cfg.Concurrency)
	sem := semaphore.NewWeighted(int64(w.cfg.Concurrency))
	var jobs sync.WaitGroup
	delay := w.cfg.PollInterval

	for ctx.Err() == nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, err := w.pull(ctx)
		if job == nil {
			sem.Release(1)
			if err != nil && ctx.Err() == nil {
				w.log.ErrorContext(ctx, "pull failed", "error", err)
			}
			w.idle(ctx, wakeups, delay)
			delay = min(delay*2, w.cfg.MaxPollInterval)
			continue
		}
		delay = w.cfg.PollInterval
		jobs.Add(1)
		go func() {
			defer jobs.Done()
			defer sem.Release(1)
			w.handle(runCtx, job)
		}()
	}

	done := make(chan struct{})
	go func() {
		jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.log.Warn("shutdown grace elapsed, killing running jobs", "grace", w.cfg.ShutdownGrace)
		stopJobs(errShutdown)
		<-done
	}
	w.log.Info("worker stopped")
	return nil
}

// ProcessOne pulls a single job and runs it to completion. It reports
// whether a job was processed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.pull(ctx)
	if err != nil || job == nil {
		return false, err
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) pull(ctx context.Context) (*api.QueuedJob, error) {
	job, err := w.q.Pull(ctx, w.cfg.WorkerID, w.cfg.Tags)
	if errors.Is(err, api.ErrConcurrencyLimitReached) {
		err = nil
	}
	w.opts.Autoscaling.Observe(ctx, w.cfg.Tags, job != nil)
	return job, err
}

// idle waits for delay or a wake-up for one of the worker's tags.
func (w *Worker) idle(ctx context.Context, wakeups <-chan string, delay time.Duration) {
	t := time.NewTimer(delay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			return
		case tag := <-wakeups:
			if notify.Matches(tag, w.cfg.Tags) {
				return
			}
		}
	}
}

func (w *Worker) pingLoop(ctx context.Context) {
	ping := func() {
		if err := w.q.PingWorker(ctx, w.cfg.WorkerID); err != nil && ctx.Err() == nil {
			w.log.WarnContext(ctx, "worker ping failed", "error", err)
		}
	}
	ping()
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ping()
		}
	}
}

// handle runs one pulled job. Errors never escape: they become the job's
// outcome, or are logged when even that cannot be recorded.
func (w *Worker) handle(ctx context.Context, job *api.QueuedJob) {
	log := w.log.With("job_id", job.ID, "kind", job.Kind, "tag", job.Tag)
	start := time.Now()

	switch job.Kind {
	case api.KindFlow:
		err := w.q.StartFlow(ctx, job.ID)
		var fe *api.FlowDefinitionError
		if errors.As(err, &fe) {
			w.complete(ctx, job, api.Failure(api.ToJobError(err)), "", time.Since(start))
			return
		}
		if err != nil {
			// Left running; the zombie sweep requeues flows that never start.
			log.ErrorContext(ctx, "start flow failed", "error", err)
		}
		return
	case api.KindIdentity:
		res, err := sandbox.Identity(job.Args)
		out := api.Success(res)
		if err != nil {
			out = api.Failure(api.ToJobError(err))
		}
		w.complete(ctx, job, out, "", time.Since(start))
		return
	case api.KindNoop:
		w.complete(ctx, job, api.Success(nil), "", time.Since(start))
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	logs := newJobLogs(fmt.Sprintf("job %s on worker %s\n", job.ID, w.cfg.WorkerID))
	var bg sync.WaitGroup
	stopBg := make(chan struct{})
	bg.Add(2)
	go func() {
		defer bg.Done()
		w.heartbeat(jobCtx, job.ID, cancel, stopBg)
	}()
	go func() {
		defer bg.Done()
		w.flushLogs(jobCtx, job.ID, logs, stopBg)
	}()

	result, err := w.execute(jobCtx, job, logs.write)
	close(stopBg)
	bg.Wait()
	took := time.Since(start)

	var out api.Outcome
	switch cause := context.Cause(jobCtx); {
	case err == nil:
		out = api.Success(result)
	case errors.Is(cause, errJobCanceled):
		out = api.Failure(&api.JobError{Kind: api.ErrKindCanceled})
	case errors.Is(cause, errJobLost):
		log.WarnContext(ctx, "job taken away while running, dropping its result")
		return
	case errors.Is(cause, errShutdown):
		log.WarnContext(ctx, "job interrupted by shutdown, leaving it to the zombie sweep")
		return
	default:
		out = api.Failure(api.ToJobError(err))
	}
	w.complete(ctx, job, out, logs.pending(), took)
}

func (w *Worker) execute(ctx context.Context, job *api.QueuedJob, logf sandbox.LogFunc) (json.RawMessage, error) {
	args := job.Args
	if w.opts.Resolver != nil {
		resolved, err := w.opts.Resolver.Resolve(ctx, job.WorkspaceID, w.cfg.Token, args)
		if err != nil {
			return nil, err
		}
		args = resolved
	}
	timeout := w.cfg.DefaultTimeout
	if job.TimeoutSecs > 0 {
		timeout = time.Duration(job.TimeoutSecs) * time.Second
	}

	if job.Dedicated && w.opts.Dedicated != nil {
		path := job.ScriptPath
		if path == "" {
			path = job.ScriptHash
		}
		return w.opts.Dedicated.Run(ctx, dedicated.Spec{
			Path:        path,
			ScriptHash:  job.ScriptHash,
			WorkerGroup: w.cfg.WorkerGroup,
			Language:    job.Language,
			Code:        job.Code,
		}, dedicated.Request{JobID: job.ID, Args: args, Timeout: timeout, Logs: logf})
	}
	if w.opts.Sandbox == nil {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "no sandbox configured")
	}
	env := map[string]string{
		"JOBFLOW_WORKSPACE":   job.WorkspaceID,
		"JOBFLOW_SCRIPT_PATH": job.ScriptPath,
		"JOBFLOW_ROOT_JOB":    job.RootJob,
	}
	if w.cfg.Token != "" {
		env["JOBFLOW_TOKEN"] = w.cfg.Token
	}
	return w.opts.Sandbox.Run(ctx, sandbox.Request{
		JobID:         job.ID,
		Language:      job.Language,
		Code:          job.Code,
		Args:          args,
		Env:           env,
		Timeout:       timeout,
		MemoryLimitMB: w.cfg.MemoryLimitMB,
		Logs:          logf,
	})
}

// heartbeat pings the job until stop closes and cancels it when it was
// canceled or taken away from this worker.
func (w *Worker) heartbeat(ctx context.Context, id string, cancel context.CancelCauseFunc, stop <-chan struct{}) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			canceled, reason, err := w.q.Heartbeat(ctx, id, w.cfg.WorkerID)
			switch {
			case errors.Is(err, api.ErrJobNotFound):
				cancel(errJobLost)
				return
			case err != nil:
				w.log.WarnContext(ctx, "heartbeat failed", "job_id", id, "error", err)
			case canceled:
				w.log.InfoContext(ctx, "job canceled, killing it", "job_id", id, "reason", reason)
				cancel(errJobCanceled)
				return
			}
		}
	}
}

func (w *Worker) flushLogs(ctx context.Context, id string, logs *jobLogs, stop <-chan struct{}) {
	t := time.NewTicker(w.cfg.LogFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			chunk, mark := logs.take()
			if chunk == "" {
				continue
			}
			if err := w.q.AppendLogs(ctx, id, chunk); err != nil {
				w.log.WarnContext(ctx, "log flush failed", "job_id", id, "error", err)
				continue
			}
			logs.flushed(mark)
		}
	}
}

// complete records out, retrying storage failures with backoff. The result
// is never dropped because the worker is shutting down.
func (w *Worker) complete(ctx context.Context, job *api.QueuedJob, out api.Outcome, logs string, took time.Duration) {
	ctx = context.WithoutCancel(ctx)
	delay := w.cfg.CompleteBackoff
	var err error
	for attempt := 1; attempt <= w.cfg.CompleteRetries; attempt++ {
		_, err = w.q.Complete(ctx, job.ID, w.cfg.WorkerID, out, logs, took)
		if err == nil || errors.Is(err, api.ErrJobNotFound) {
			break
		}
		w.log.WarnContext(ctx, "complete failed, retrying", "job_id", job.ID, "attempt", attempt, "error", err)
		if attempt < w.cfg.CompleteRetries {
			time.Sleep(delay)
			delay = min(delay*2, 10*time.Second)
		}
	}
	if err != nil {
		w.log.ErrorContext(ctx, "could not record job outcome", "job_id", job.ID, "error", err)
	}
}

// jobLogs buffers output between flushes.
type jobLogs struct {
	mu   sync.Mutex
	buf  []byte
	sent int
}

func newJobLogs(header string) *jobLogs { return &jobLogs{buf: []byte(header)} }

func (l *jobLogs) write(chunk string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, chunk...)
}

// take returns the unflushed output and the offset to pass to flushed.
func (l *jobLogs) take() (string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.buf[l.sent:]), len(l.buf)
}

func (l *jobLogs) flushed(mark int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mark > l.sent {
		l.sent = mark
	}
}

func (l *jobLogs) pending() string {
	s, _ := l.take()
	return s
}
