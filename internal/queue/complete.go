package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/jobflow/internal/flow"
	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

// Complete records the terminal outcome worker reports for job id and, when
// the job belongs to a flow, advances the parent in the same transaction. It
// reports false when the job was already completed or is no longer held by
// worker; either way nothing changes.
func (s *Service) Complete(ctx context.Context, id, worker string, out api.Outcome, logs string, duration time.Duration) (bool, error) {
	done := false
	ch, err := s.withTx(ctx, func(tx store.Tx, ch *changes) error {
		job, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if !job.Running || job.Worker != worker {
			s.log.WarnContext(ctx, "ignoring completion from worker not holding the job",
				"job_id", id, "worker", worker, "holder", job.Worker)
			return nil
		}
		done, err = s.completeInTx(ctx, tx, ch, job, out, logs, duration)
		return err
	})
	if errors.Is(err, api.ErrJobNotFound) {
		if _, cerr := s.store.GetCompleted(ctx, id); cerr == nil {
			return false, nil
		}
		return false, err
	}
	if err != nil {
		return false, err
	}
	s.emit(ctx, ch)
	return done, nil
}

func (s *Service) completeInTx(ctx context.Context, tx store.Tx, ch *changes, job *api.QueuedJob, out api.Outcome, logs string, duration time.Duration) (bool, error) {
	if out.Err == nil && len(out.Result) == 0 {
		out = api.Success(nil)
	}
	// Workers stopping a canceled job do not know who canceled it.
	if out.Err != nil && out.Err.Kind == api.ErrKindCanceled && out.Err.Message == "" {
		e := *out.Err
		e.Message = cancelMessage(job.CanceledBy, job.CanceledReason)
		out = api.Failure(&e)
	}
	c := api.NewCompletedJob(job, out, logs, duration, s.now().UTC())
	ok, err := tx.Complete(ctx, c)
	if err != nil || !ok {
		return false, err
	}
	ch.completed = append(ch.completed, c)

	if job.ParentJob == "" {
		return true, nil
	}
	parent, err := tx.Lock(ctx, job.ParentJob)
	if errors.Is(err, api.ErrJobNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !parent.IsFlow() || parent.FlowStatus == nil {
		return true, nil
	}
	eff, err := s.machine.Advance(parent, job.ID, out)
	if errors.Is(err, flow.ErrUnknownChild) {
		s.log.DebugContext(ctx, "ignoring completion of job the flow does not wait for", "job_id", job.ID, "flow_id", parent.ID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.apply(ctx, tx, ch, parent, eff)
}

// apply persists the effects of a flow transition.
func (s *Service) apply(ctx context.Context, tx store.Tx, ch *changes, job *api.QueuedJob, eff flow.Effects) error {
	for _, child := range eff.Push {
		if err := tx.Insert(ctx, child); err != nil {
			return err
		}
		ch.pushed = append(ch.pushed, child)
	}
	for _, st := range eff.Steps {
		ch.steps = append(ch.steps, flowStep{flow: job, step: st})
	}
	if eff.Done != nil {
		var took time.Duration
		if !job.StartedAt.IsZero() {
			took = s.now().Sub(job.StartedAt)
		}
		_, err := s.completeInTx(ctx, tx, ch, job, *eff.Done, "", took)
		return err
	}
	return tx.Update(ctx, job)
}

// StartFlow initializes a pulled flow job and pushes its first module. It is
// a no-op for a flow that already started.
func (s *Service) StartFlow(ctx context.Context, id string) error {
	ch, err := s.withTx(ctx, func(tx store.Tx, ch *changes) error {
		job, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if !job.IsFlow() {
			return fmt.Errorf("job %s is not a flow", id)
		}
		if job.FlowStatus != nil {
			return nil
		}
		eff, err := s.machine.Start(job)
		if err != nil {
			return err
		}
		return s.apply(ctx, tx, ch, job, eff)
	})
	if err != nil {
		return err
	}
	s.emit(ctx, ch)
	return nil
}

// Cancel cancels job id and everything below it. Jobs that are not running,
// and flows, are completed as canceled right away; running jobs get their
// cancel flag set and are stopped by their worker on its next heartbeat.
// Canceling a completed job is a no-op.
func (s *Service) Cancel(ctx context.Context, id, by, reason string) error {
	ch, err := s.withTx(ctx, func(tx store.Tx, ch *changes) error {
		job, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		return s.cancelTree(ctx, tx, ch, job, by, reason)
	})
	if errors.Is(err, api.ErrJobNotFound) {
		if _, cerr := s.store.GetCompleted(ctx, id); cerr == nil {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	s.emit(ctx, ch)
	return nil
}

func (s *Service) cancelTree(ctx context.Context, tx store.Tx, ch *changes, job *api.QueuedJob, by, reason string) error {
	children, err := tx.Children(ctx, job.ID)
	if err != nil {
		return err
	}
	job.Canceled = true
	job.CanceledBy = by
	job.CanceledReason = reason
	if job.Running && !job.IsFlow() {
		if err := tx.Update(ctx, job); err != nil {
			return err
		}
	} else {
		out := api.Failure(&api.JobError{Kind: api.ErrKindCanceled, Message: cancelMessage(by, reason)})
		if _, err := s.completeInTx(ctx, tx, ch, job, out, "", 0); err != nil {
			return err
		}
	}
	for _, c := range children {
		child, err := tx.Lock(ctx, c.ID)
		if errors.Is(err, api.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.cancelTree(ctx, tx, ch, child, by, reason); err != nil {
			return err
		}
	}
	return nil
}

func cancelMessage(by, reason string) string {
	msg := "canceled by " + by
	if reason != "" {
		msg += ": " + reason
	}
	return msg
}

// ResumeFlow delivers an approval to suspended flow id.
func (s *Service) ResumeFlow(ctx context.Context, id string, a api.Approval) error {
	ch, err := s.withTx(ctx, func(tx store.Tx, ch *changes) error {
		job, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		eff, err := s.machine.Resume(job, a)
		if err != nil {
			return err
		}
		detail := "approved"
		if !a.Approved {
			detail = "denied"
		}
		if a.Approver != "" {
			detail += " by " + a.Approver
		}
		ch.events = append(ch.events, api.AuditEvent{
			JobID:       job.ID,
			WorkspaceID: job.WorkspaceID,
			At:          s.now().UTC(),
			Type:        api.EventFlowResumed,
			Kind:        job.Kind,
			ParentJob:   job.ParentJob,
			Detail:      detail,
		})
		return s.apply(ctx, tx, ch, job, eff)
	})
	if err != nil {
		return err
	}
	s.emit(ctx, ch)
	return nil
}
