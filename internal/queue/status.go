package queue

import (
	"context"
	"errors"

	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

// GetJob returns the status of job id with logs from logOffset onwards.
// It looks in the queue first, then among completed jobs, so a job that
// completes between the two reads is still found.
func (s *Service) GetJob(ctx context.Context, id string, logOffset int) (*api.JobView, error) {
	q, err := s.store.GetQueued(ctx, id)
	if err == nil {
		return api.ViewFromQueued(q, logOffset), nil
	}
	if !errors.Is(err, api.ErrJobNotFound) {
		return nil, err
	}
	c, err := s.store.GetCompleted(ctx, id)
	if err != nil {
		return nil, err
	}
	return api.ViewFromCompleted(c, logOffset), nil
}

// lookup returns the ancestry fields of a job wherever it lives.
func (s *Service) lookup(ctx context.Context, id string) (*api.QueuedJob, error) {
	q, err := s.store.GetQueued(ctx, id)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, api.ErrJobNotFound) {
		return nil, err
	}
	c, err := s.store.GetCompleted(ctx, id)
	if err != nil {
		return nil, err
	}
	return &api.QueuedJob{
		ID:                   c.ID,
		WorkspaceID:          c.WorkspaceID,
		Kind:                 c.Kind,
		ParentJob:            c.ParentJob,
		RootJob:              c.RootJob,
		FlowInnermostRootJob: c.FlowInnermostRootJob,
	}, nil
}

// List returns queued jobs matching filter.
func (s *Service) List(ctx context.Context, filter store.QueueFilter) ([]*api.QueuedJob, error) {
	return s.store.ListQueued(ctx, filter)
}

// Heartbeat records that worker, running job id, is alive and reports
// whether the job was canceled meanwhile. A job requeued and claimed by
// another worker reports ErrJobNotFound.
func (s *Service) Heartbeat(ctx context.Context, id, worker string) (canceled bool, reason string, err error) {
	return s.store.Ping(ctx, id, worker, s.now().UTC())
}

// AppendLogs streams a chunk of output to the running job.
func (s *Service) AppendLogs(ctx context.Context, id, chunk string) error {
	if chunk == "" {
		return nil
	}
	return s.store.AppendLogs(ctx, id, chunk)
}

// PingWorker registers worker as alive.
func (s *Service) PingWorker(ctx context.Context, worker string) error {
	return s.liveness.PingWorker(ctx, worker, s.now().UTC())
}
