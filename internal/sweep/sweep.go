// Package sweep runs the queue's periodic maintenance on a cron schedule:
// zombie recovery, approval timeouts and retention of completed jobs.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Queue is the part of queue.Service the sweeper drives.
type Queue interface {
	SweepZombies(ctx context.Context, timeout time.Duration) (int, error)
	SweepExpiredSuspends(ctx context.Context) (int, error)
	PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error)
}

// Options configures a Sweeper.
type Options struct {
	// Schedule is a standard cron spec or descriptor such as "@every 30s".
	Schedule      string
	ZombieTimeout time.Duration
	// Retention of completed jobs. Zero keeps them forever.
	Retention time.Duration
	Logger    *slog.Logger
}

// Report is the outcome of one sweep.
type Report struct {
	Zombies  int
	Expired  int
	Purged   int64
	Duration time.Duration
}

// Sweeper owns a cron scheduler with a single sweep entry.
type Sweeper struct {
	q    Queue
	opts Options
	log  *slog.Logger
	cron *cron.Cron
}

// New validates opts.Schedule and builds a Sweeper.
func New(q Queue, opts Options) (*Sweeper, error) {
	if opts.Schedule == "" {
		opts.Schedule = "@every 30s"
	}
	if opts.ZombieTimeout <= 0 {
		opts.ZombieTimeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Sweeper{q: q, opts: opts, log: opts.Logger}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(CronLogger(opts.Logger))))
	if _, err := s.cron.AddFunc(opts.Schedule, func() { _, _ = s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

// RunOnce performs every sweep once. Each step runs even if an earlier one
// failed; the errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	var (
		r    Report
		errs []error
		err  error
	)
	if r.Zombies, err = s.q.SweepZombies(ctx, s.opts.ZombieTimeout); err != nil {
		errs = append(errs, fmt.Errorf("zombies: %w", err))
	}
	if r.Expired, err = s.q.SweepExpiredSuspends(ctx); err != nil {
		errs = append(errs, fmt.Errorf("approval timeouts: %w", err))
	}
	if s.opts.Retention > 0 {
		if r.Purged, err = s.q.PurgeCompleted(ctx, s.opts.Retention); err != nil {
			errs = append(errs, fmt.Errorf("retention: %w", err))
		}
	}
	r.Duration = time.Since(start)
	err = errors.Join(errs...)
	if err != nil {
		s.log.ErrorContext(ctx, "sweep failed", "error", err)
	}
	if r.Zombies+r.Expired > 0 || r.Purged > 0 {
		s.log.InfoContext(ctx, "sweep done", "zombies", r.Zombies, "expired", r.Expired, "purged", r.Purged, "duration", r.Duration)
	}
	return r, err
}

// Run sweeps on schedule until ctx is done, then waits for a running sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// CronLogger adapts slog to cron's logger.
func CronLogger(l *slog.Logger) cron.Logger { return cronLogger{l} }

type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
