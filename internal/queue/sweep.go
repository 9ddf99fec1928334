package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

// Reasons a zombie job is failed instead of requeued.
const (
	ZombieRestartLimit    = "RestartLimit"
	ZombieRestartDisabled = "RestartDisabled"
	ZombieWorkerAlive     = "WorkerAlive"
)

// SweepZombies handles running jobs whose heartbeat is older than timeout.
// A job whose worker is gone is requeued, up to MaxZombieRestarts times and
// only when restarts are enabled; every other zombie is failed. Flow jobs
// that were claimed but never started are always requeued. It returns how
// many jobs it handled.
func (s *Service) SweepZombies(ctx context.Context, timeout time.Duration) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-timeout)
	zombies, err := s.store.FindZombies(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, z := range zombies {
		reason := ""
		if !z.IsFlow() {
			reason, err = s.zombieReason(ctx, z, cutoff)
			if err != nil {
				errs = append(errs, err)
				continue
			}
		}
		ok, err := s.handleZombie(ctx, z.ID, cutoff, timeout, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("zombie %s: %w", z.ID, err))
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// zombieReason returns "" when z may be requeued.
func (s *Service) zombieReason(ctx context.Context, z *api.QueuedJob, cutoff time.Time) (string, error) {
	if z.Worker != "" {
		seen, err := s.liveness.LastSeen(ctx, z.Worker)
		if err != nil {
			return "", fmt.Errorf("liveness of %s: %w", z.Worker, err)
		}
		if seen.After(cutoff) {
			return ZombieWorkerAlive, nil
		}
	}
	switch {
	case !s.restartZombies:
		return ZombieRestartDisabled, nil
	case z.ZombieRestarts >= MaxZombieRestarts:
		return ZombieRestartLimit, nil
	}
	return "", nil
}

func (s *Service) handleZombie(ctx context.Context, id string, cutoff time.Time, timeout time.Duration, reason string) (bool, error) {
	handled := false
	ch, err := s.withTx(ctx, func(tx store.Tx, ch *changes) error {
		handled = false
		job, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		// Re-check under the lock: the job may have pinged or been requeued
		// since it was listed.
		if !job.Running || job.Suspend > 0 {
			return nil
		}
		if job.IsFlow() {
			if job.FlowStatus != nil || !job.StartedAt.Before(cutoff) {
				return nil
			}
		} else if !job.LastPing.Before(cutoff) {
			return nil
		}
		handled = true

		if reason == "" {
			return s.requeueZombie(ctx, tx, ch, job)
		}
		lastPing := job.LastPing
		if lastPing.IsZero() {
			lastPing = job.StartedAt
		}
		msg := fmt.Sprintf("job timed out after no ping since %s (zombie_timeout: %ds, reason: %s)",
			lastPing.UTC().Format(time.RFC3339), int(timeout.Seconds()), reason)
		s.log.WarnContext(ctx, "zombie job detected, failing", "job_id", job.ID, "worker", job.Worker, "reason", reason)
		ch.zombies = append(ch.zombies, zombie{job: job})
		out := api.Failure(&api.JobError{Kind: api.ErrKindZombie, Message: msg})
		_, err = s.completeInTx(ctx, tx, ch, job, out, "", s.now().Sub(job.StartedAt))
		return err
	})
	if errors.Is(err, api.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.emit(ctx, ch)
	return handled, nil
}

func (s *Service) requeueZombie(ctx context.Context, tx store.Tx, ch *changes, job *api.QueuedJob) error {
	worker := job.Worker
	if job.ConcurrencyKey != "" {
		if _, err := tx.ReleaseConcurrency(ctx, job.ConcurrencyKey, job.ID); err != nil {
			return err
		}
	}
	if !job.IsFlow() {
		job.ZombieRestarts++
	}
	job.Running = false
	job.Worker = ""
	job.StartedAt = time.Time{}
	job.LastPing = time.Time{}
	job.ScheduledFor = s.now().UTC()
	if err := tx.Update(ctx, job); err != nil {
		return err
	}
	s.log.WarnContext(ctx, fmt.Sprintf("zombie job %s on %s detected, restarting (%d/%d)", job.ID, worker, job.ZombieRestarts, MaxZombieRestarts))
	ch.pushed = append(ch.pushed, job)
	ch.zombies = append(ch.zombies, zombie{job: job, requeued: true})
	ch.events = append(ch.events, api.AuditEvent{
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		At:          s.now().UTC(),
		Type:        api.EventZombieRequeue,
		Kind:        job.Kind,
		ParentJob:   job.ParentJob,
		Worker:      worker,
		Detail:      fmt.Sprintf("restart %d/%d", job.ZombieRestarts, MaxZombieRestarts),
	})
	return nil
}

// SweepExpiredSuspends fails suspended flows whose approval deadline passed.
func (s *Service) SweepExpiredSuspends(ctx context.Context) (int, error) {
	now := s.now().UTC()
	expired, err := s.store.FindExpiredSuspends(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, e := range expired {
		ch, err := s.withTx(ctx, func(tx store.Tx, ch *changes) error {
			job, err := tx.Lock(ctx, e.ID)
			if err != nil {
				return err
			}
			if job.Suspend <= 0 || job.SuspendUntil.IsZero() || !job.SuspendUntil.Before(now) {
				return nil
			}
			eff, err := s.machine.Expire(job)
			if err != nil {
				return err
			}
			return s.apply(ctx, tx, ch, job, eff)
		})
		if errors.Is(err, api.ErrJobNotFound) || errors.Is(err, api.ErrNotSuspended) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", e.ID, err))
			continue
		}
		s.emit(ctx, ch)
		n++
	}
	return n, errors.Join(errs...)
}

// PurgeCompleted deletes completed jobs older than retention.
func (s *Service) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.DeleteCompletedBefore(ctx, s.now().UTC().Add(-retention))
}
