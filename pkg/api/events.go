package api

import (
	"context"
	"time"
)

// EventType identifies a job audit event.
type EventType string

const (
	EventJobCompleted  EventType = "job.completed"
	EventJobFailed     EventType = "job.failed"
	EventJobCanceled   EventType = "job.canceled"
	EventZombieRequeue EventType = "job.zombie_requeued"
	EventFlowResumed   EventType = "flow.resumed"
)

// AuditEvent is the terminal audit row appended by the completion path.
// Keep Detail small: do NOT dump large payloads here.
type AuditEvent struct {
	JobID       string
	WorkspaceID string
	At          time.Time
	Type        EventType
	Kind        JobKind
	ParentJob   string
	Worker      string
	Detail      string
}

// AuditEventFor derives the terminal audit event for a completed job.
func AuditEventFor(c *CompletedJob) AuditEvent {
	ev := AuditEvent{
		JobID:       c.ID,
		WorkspaceID: c.WorkspaceID,
		At:          c.CompletedAt,
		Type:        EventJobCompleted,
		Kind:        c.Kind,
		ParentJob:   c.ParentJob,
		Worker:      c.Worker,
	}
	switch {
	case c.Canceled:
		ev.Type = EventJobCanceled
		ev.Detail = c.CanceledReason
	case !c.Success && c.Error != nil:
		ev.Type = EventJobFailed
		ev.Detail = string(c.Error.Kind)
	}
	return ev
}

// AuditSink receives audit events. Failures are logged by the caller and never
// roll back a job transition.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// NoopAuditSink discards all events.
type NoopAuditSink struct{}

func (NoopAuditSink) Record(ctx context.Context, ev AuditEvent) error { return nil }

// AutoscalingPolicy is consulted after pulls with the observed queue pressure.
// It never affects which job is pulled.
type AutoscalingPolicy interface {
	Observe(ctx context.Context, tags []string, pulled bool)
}

// NoopAutoscaling ignores all observations.
type NoopAutoscaling struct{}

func (NoopAutoscaling) Observe(ctx context.Context, tags []string, pulled bool) {}

// GitSyncNotifier is told about deployed script versions so an external sync
// can follow. Dedicated workers call it when they respawn on a new hash.
type GitSyncNotifier interface {
	ScriptDeployed(ctx context.Context, path, hash string)
}

// NoopGitSync ignores deployments.
type NoopGitSync struct{}

func (NoopGitSync) ScriptDeployed(ctx context.Context, path, hash string) {}
