package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/jobflow/internal/flow"
	"github.com/petrijr/jobflow/internal/store"
	"github.com/petrijr/jobflow/pkg/api"
)

// ErrInvalidPush is returned when a push request is rejected before anything
// is written.
var ErrInvalidPush = errors.New("invalid push request")

// PushRequest describes a new job. Kind defaults to script, or to flow when
// Flow is set.
type PushRequest struct {
	WorkspaceID string
	Kind        api.JobKind
	Language    api.Language
	Code        string
	ScriptPath  string
	// Args must be a JSON object; empty means {}.
	Args json.RawMessage

	Tag          string
	Priority     int
	ScheduledFor time.Time

	ConcurrencyKey   string
	ConcurrencyLimit int
	TimeoutSecs      int
	Dedicated        bool

	ParentJob string
	Flow      *api.FlowDefinition
}

func (s *Service) newJob(ctx context.Context, req PushRequest) (*api.QueuedJob, error) {
	kind := req.Kind
	if kind == "" {
		kind = api.KindScript
		if req.Flow != nil {
			kind = api.KindFlow
		}
	}
	args := req.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !api.IsJSONObject(args) {
		return nil, fmt.Errorf("%w: args must be a JSON object", ErrInvalidPush)
	}
	switch kind {
	case api.KindScript:
		if req.Language == "" {
			return nil, fmt.Errorf("%w: script job without language", ErrInvalidPush)
		}
	case api.KindFlow:
		if req.Flow == nil {
			return nil, fmt.Errorf("%w: flow job without definition", ErrInvalidPush)
		}
	case api.KindIdentity, api.KindNoop:
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrInvalidPush, kind)
	}

	now := s.now().UTC()
	j := &api.QueuedJob{
		ID:               s.newID(),
		WorkspaceID:      req.WorkspaceID,
		Kind:             kind,
		Language:         req.Language,
		ScriptPath:       req.ScriptPath,
		Code:             req.Code,
		Args:             args,
		Tag:              req.Tag,
		Priority:         req.Priority,
		CreatedAt:        now,
		ScheduledFor:     req.ScheduledFor.UTC(),
		ConcurrencyKey:   req.ConcurrencyKey,
		ConcurrencyLimit: req.ConcurrencyLimit,
		TimeoutSecs:      req.TimeoutSecs,
		Dedicated:        req.Dedicated,
		ParentJob:        req.ParentJob,
		RawFlow:          req.Flow,
	}
	if j.Tag == "" {
		j.Tag = api.DefaultTag(kind, req.Language)
	}
	if req.ScheduledFor.IsZero() {
		j.ScheduledFor = now
	}
	if kind == api.KindScript {
		j.ScriptHash = flow.ScriptHash(req.Code)
	}

	if req.ParentJob != "" {
		parent, err := s.lookup(ctx, req.ParentJob)
		if err != nil {
			return nil, fmt.Errorf("parent job %s: %w", req.ParentJob, err)
		}
		j.RootJob = parent.RootJob
		if j.RootJob == "" {
			j.RootJob = parent.ID
		}
		j.FlowInnermostRootJob = parent.FlowInnermostRootJob
		if parent.Kind == api.KindFlow {
			j.FlowInnermostRootJob = parent.ID
		}
	}
	return j, nil
}

// Push validates and enqueues a job and returns its id. It does not wait for
// the job to run.
func (s *Service) Push(ctx context.Context, req PushRequest) (string, error) {
	j, err := s.newJob(ctx, req)
	if err != nil {
		return "", err
	}
	ch, err := s.withTx(ctx, func(tx store.Tx, ch *changes) error {
		if err := tx.Insert(ctx, j); err != nil {
			return err
		}
		ch.pushed = append(ch.pushed, j)
		return nil
	})
	if err != nil {
		return "", err
	}
	s.emit(ctx, ch)
	return j.ID, nil
}

// PushFlow enqueues a flow job running def with args as flow_input.
func (s *Service) PushFlow(ctx context.Context, workspaceID, path string, def *api.FlowDefinition, args json.RawMessage) (string, error) {
	return s.Push(ctx, PushRequest{
		WorkspaceID: workspaceID,
		Kind:        api.KindFlow,
		ScriptPath:  path,
		Args:        args,
		Flow:        def,
	})
}

// Pull claims the next runnable job for tags. It returns (nil, nil) when
// nothing is runnable, including after exhausting retries on lock conflicts,
// and (nil, ErrConcurrencyLimitReached) when runnable jobs are held back by
// their concurrency key.
func (s *Service) Pull(ctx context.Context, worker string, tags []string) (*api.QueuedJob, error) {
	for attempt := 0; attempt <= s.retries; attempt++ {
		j, err := s.store.Pull(ctx, store.PullRequest{Worker: worker, Tags: tags, Now: s.now()})
		if errors.Is(err, api.ErrTransientQueueConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if j != nil {
			s.obs.OnJobStarted(ctx, j)
		}
		return j, nil
	}
	s.log.DebugContext(ctx, "pull gave up after lock conflicts", "worker", worker)
	return nil, nil
}
