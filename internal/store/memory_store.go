package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/jobflow/internal/concurrency"
	"github.com/petrijr/jobflow/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by maps, for tests, local
// runners and single-process deployments. Transactions run under one mutex
// against a copy of the state that replaces the original on commit.
type MemoryStore struct {
	mu sync.Mutex
	st memState
}

type memState struct {
	queued    map[string]*api.QueuedJob
	completed map[string]*api.CompletedJob
	counters  concurrency.Counters
	pings     map[string]time.Time
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: memState{
		queued:    map[string]*api.QueuedJob{},
		completed: map[string]*api.CompletedJob{},
		counters:  concurrency.Counters{},
		pings:     map[string]time.Time{},
	}}
}

// Stored values are never mutated in place, so a shallow copy of the maps is
// a consistent snapshot.
func (st memState) clone() memState {
	cp := memState{
		queued:    make(map[string]*api.QueuedJob, len(st.queued)),
		completed: make(map[string]*api.CompletedJob, len(st.completed)),
		counters:  st.counters.Clone(),
		pings:     st.pings,
	}
	for k, v := range st.queued {
		cp.queued[k] = v
	}
	for k, v := range st.completed {
		cp.completed[k] = v
	}
	return cp
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&memTx{st: &work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *MemoryStore) Pull(ctx context.Context, req PullRequest) (*api.QueuedJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*api.QueuedJob
	for _, j := range s.st.queued {
		if j.Running || j.ScheduledFor.After(req.Now) || !slices.Contains(req.Tags, j.Tag) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(a, b int) bool {
		x, y := candidates[a], candidates[b]
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		if !x.ScheduledFor.Equal(y.ScheduledFor) {
			return x.ScheduledFor.Before(y.ScheduledFor)
		}
		return x.CreatedAt.Before(y.CreatedAt)
	})

	// Every candidate is considered; a saturated key at the head of the
	// queue must not hide runnable jobs behind it.
	limited := false
	for _, j := range candidates {
		if j.ConcurrencyKey != "" && !s.st.counters.TryAcquire(j.ConcurrencyKey, j.ConcurrencyLimit, j.ID) {
			limited = true
			continue
		}
		claimed := j.Clone()
		claimed.Running = true
		claimed.StartedAt = req.Now.UTC()
		claimed.LastPing = claimed.StartedAt
		claimed.Worker = req.Worker
		s.st.queued[j.ID] = claimed
		return claimed.Clone(), nil
	}
	if limited {
		return nil, api.ErrConcurrencyLimitReached
	}
	return nil, nil
}

func (s *MemoryStore) GetQueued(ctx context.Context, id string) (*api.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.st.queued[id]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) GetCompleted(ctx context.Context, id string) (*api.CompletedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.st.completed[id]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListQueued(ctx context.Context, f QueueFilter) ([]*api.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*api.QueuedJob
	for _, j := range s.st.queued {
		if f.WorkspaceID != "" && j.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.ParentJob != "" && j.ParentJob != f.ParentJob {
			continue
		}
		if f.RunningOnly && !j.Running {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendLogs(ctx context.Context, id string, chunk string) error {
	if chunk == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.st.queued[id]
	if !ok {
		return api.ErrJobNotFound
	}
	cp := j.Clone()
	cp.Logs += chunk
	s.st.queued[id] = cp
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context, id, worker string, at time.Time) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.st.queued[id]
	if !ok || !j.Running || j.Worker != worker {
		return false, "", api.ErrJobNotFound
	}
	cp := j.Clone()
	cp.LastPing = at.UTC()
	s.st.queued[id] = cp
	return cp.Canceled, cp.CanceledReason, nil
}

func (s *MemoryStore) FindZombies(ctx context.Context, cutoff time.Time) ([]*api.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*api.QueuedJob
	for _, j := range s.st.queued {
		if !j.Running || j.Suspend > 0 {
			continue
		}
		switch {
		case j.Kind != api.KindFlow && j.LastPing.Before(cutoff):
		case j.Kind == api.KindFlow && j.FlowStatus == nil && j.StartedAt.Before(cutoff):
		default:
			continue
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemoryStore) FindExpiredSuspends(ctx context.Context, now time.Time) ([]*api.QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*api.QueuedJob
	for _, j := range s.st.queued {
		if j.Suspend > 0 && !j.SuspendUntil.IsZero() && j.SuspendUntil.Before(now) {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.st.completed {
		if c.CompletedAt.Before(before) {
			delete(s.st.completed, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ConcurrencyCount(ctx context.Context, key string) (int, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ids := s.st.counters.Count(key)
	return n, ids, nil
}

func (s *MemoryStore) PingWorker(ctx context.Context, worker string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.pings[worker] = at
	return nil
}

func (s *MemoryStore) LastSeen(ctx context.Context, worker string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.pings[worker], nil
}

func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	st *memState
}

func (t *memTx) Insert(ctx context.Context, job *api.QueuedJob) error {
	if _, ok := t.st.queued[job.ID]; ok {
		return api.WrapStorage("insert", errDuplicateID(job.ID))
	}
	if _, ok := t.st.completed[job.ID]; ok {
		return api.WrapStorage("insert", errDuplicateID(job.ID))
	}
	t.st.queued[job.ID] = job.Clone()
	return nil
}

func (t *memTx) Lock(ctx context.Context, id string) (*api.QueuedJob, error) {
	j, ok := t.st.queued[id]
	if !ok {
		return nil, api.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (t *memTx) Update(ctx context.Context, job *api.QueuedJob) error {
	cur, ok := t.st.queued[job.ID]
	if !ok {
		return api.ErrJobNotFound
	}
	cp := job.Clone()
	cp.Logs = cur.Logs
	t.st.queued[job.ID] = cp
	return nil
}

func (t *memTx) Complete(ctx context.Context, c *api.CompletedJob) (bool, error) {
	if _, ok := t.st.queued[c.ID]; !ok {
		return false, nil
	}
	delete(t.st.queued, c.ID)
	cp := *c
	t.st.completed[c.ID] = &cp
	if c.ConcurrencyKey != "" {
		t.st.counters.Release(c.ConcurrencyKey, c.ID)
	}
	return true, nil
}

func (t *memTx) ReleaseConcurrency(ctx context.Context, key, jobID string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return t.st.counters.Release(key, jobID), nil
}

func (t *memTx) Children(ctx context.Context, parentID string) ([]*api.QueuedJob, error) {
	var out []*api.QueuedJob
	for _, j := range t.st.queued {
		if j.ParentJob == parentID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

type errDuplicateID string

func (e errDuplicateID) Error() string { return "duplicate job id " + string(e) }
