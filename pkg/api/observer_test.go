package api

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver counts calls to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	pushed    int
	started   int
	completed int
	steps     int
	zombies   int

	lastStep     string
	lastRequeued bool
}

func (o *testObserver) OnJobPushed(ctx context.Context, job *QueuedJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushed++
}

func (o *testObserver) OnJobStarted(ctx context.Context, job *QueuedJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *testObserver) OnJobCompleted(ctx context.Context, job *CompletedJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *testObserver) OnFlowStep(ctx context.Context, flow *QueuedJob, moduleID string, idx int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps++
	o.lastStep = moduleID
}

func (o *testObserver) OnZombie(ctx context.Context, job *QueuedJob, requeued bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.zombies++
	o.lastRequeued = requeued
}

// recordingHandler is a slog.Handler that keeps every record.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestJob() *QueuedJob {
	return &QueuedJob{ID: "job-123", Kind: KindScript, Tag: "bash", Worker: "w1"}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	job := newTestJob()
	var o Observer = NoopObserver{}

	o.OnJobPushed(ctx, job)
	o.OnJobStarted(ctx, job)
	o.OnJobCompleted(ctx, &CompletedJob{ID: job.ID})
	o.OnFlowStep(ctx, job, "a", 0)
	o.OnZombie(ctx, job, true)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	job := newTestJob()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	co.OnJobPushed(ctx, job)
	co.OnJobStarted(ctx, job)
	co.OnJobCompleted(ctx, &CompletedJob{ID: job.ID, Success: true})
	co.OnFlowStep(ctx, job, "step-1", 1)
	co.OnZombie(ctx, job, true)

	for i, o := range []*testObserver{o1, o2} {
		if o.pushed != 1 || o.started != 1 || o.completed != 1 || o.steps != 1 || o.zombies != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastStep != "step-1" || !o.lastRequeued {
			t.Fatalf("observer %d arguments mismatch: %+v", i+1, o)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	lo, ok := NewLoggingObserver(nil).(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver")
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnJobStarted_EmitsInfoLog(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnJobStarted(context.Background(), newTestJob())

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}
	rec := h.records[0]
	if rec.Level != slog.LevelInfo || rec.Message != "job_started" {
		t.Fatalf("unexpected record %v %q", rec.Level, rec.Message)
	}
	attrs := attrsToMap(rec)
	if attrs["job_id"] != "job-123" || attrs["worker"] != "w1" {
		t.Fatalf("unexpected attrs %v", attrs)
	}
}

func TestLoggingObserver_OnJobCompleted_LevelDependsOnOutcome(t *testing.T) {
	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))
	ctx := context.Background()

	o.OnJobCompleted(ctx, &CompletedJob{ID: "ok", Success: true, Duration: time.Second})
	o.OnJobCompleted(ctx, &CompletedJob{ID: "bad", Error: &JobError{Kind: ErrKindScriptFailed, Message: "boom"}})

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelInfo || h.records[0].Message != "job_completed" {
		t.Fatalf("unexpected success record %v %q", h.records[0].Level, h.records[0].Message)
	}
	if h.records[1].Level != slog.LevelError || h.records[1].Message != "job_failed" {
		t.Fatalf("unexpected failure record %v %q", h.records[1].Level, h.records[1].Message)
	}
	if attrsToMap(h.records[1])["error"] == nil {
		t.Fatalf("expected error attribute on failure record")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_CountersAndSnapshot(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	job := newTestJob()

	m.OnJobPushed(ctx, job)
	m.OnJobPushed(ctx, job)
	m.OnJobStarted(ctx, job)
	m.OnJobCompleted(ctx, &CompletedJob{Success: true, Duration: time.Second})
	m.OnJobCompleted(ctx, &CompletedJob{Success: true, Duration: 3 * time.Second})
	m.OnJobCompleted(ctx, &CompletedJob{Duration: 10 * time.Second})
	m.OnJobCompleted(ctx, &CompletedJob{Canceled: true})
	m.OnZombie(ctx, job, false)

	snap := m.Snapshot()
	if snap.JobsPushed != 2 || snap.JobsStarted != 1 {
		t.Fatalf("unexpected push/start counters: %+v", snap)
	}
	if snap.JobsSucceeded != 2 || snap.JobsFailed != 1 || snap.JobsCanceled != 1 || snap.Zombies != 1 {
		t.Fatalf("unexpected outcome counters: %+v", snap)
	}
	if snap.AvgJobDuration != 2*time.Second {
		t.Fatalf("AvgJobDuration=%v, want 2s", snap.AvgJobDuration)
	}
}

func TestBasicMetrics_SnapshotZeroJobsHasZeroAverage(t *testing.T) {
	var m BasicMetrics
	if snap := m.Snapshot(); snap.AvgJobDuration != 0 {
		t.Fatalf("AvgJobDuration=%v, want 0", snap.AvgJobDuration)
	}
}
