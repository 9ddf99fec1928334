package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/petrijr/jobflow/pkg/api"
)

// Routing keys.
const (
	KeyCompleted = "job.completed"
	KeyFailed    = "job.failed"
	KeyCanceled  = "job.canceled"
	KeyZombie    = "job.zombie"
)

// Message is the published body.
type Message struct {
	JobID       string          `json:"job_id"`
	WorkspaceID string          `json:"workspace_id"`
	Kind        api.JobKind     `json:"kind"`
	ScriptPath  string          `json:"script_path,omitempty"`
	ParentJob   string          `json:"parent_job,omitempty"`
	RootJob     string          `json:"root_job,omitempty"`
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *api.JobError   `json:"error,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	At          time.Time       `json:"at"`
	Requeued    *bool           `json:"requeued,omitempty"`
}

// Observer publishes completions and zombie detections. Publishing errors
// are logged and never affect the job.
type Observer struct {
	api.NoopObserver
	pub     Publisher
	log     *slog.Logger
	timeout time.Duration
}

var _ api.Observer = (*Observer)(nil)

// NewObserver wraps pub.
func NewObserver(pub Publisher, log *slog.Logger) *Observer {
	if log == nil {
		log = slog.Default()
	}
	return &Observer{pub: pub, log: log, timeout: 5 * time.Second}
}

func (o *Observer) OnJobCompleted(ctx context.Context, job *api.CompletedJob) {
	key := KeyCompleted
	switch {
	case job.Canceled:
		key = KeyCanceled
	case !job.Success:
		key = KeyFailed
	}
	o.publish(ctx, key, Message{
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		Kind:        job.Kind,
		ScriptPath:  job.ScriptPath,
		ParentJob:   job.ParentJob,
		RootJob:     job.RootJob,
		Success:     job.Success,
		Result:      job.Result,
		Error:       job.Error,
		DurationMS:  job.Duration.Milliseconds(),
		At:          job.CompletedAt,
	})
}

func (o *Observer) OnZombie(ctx context.Context, job *api.QueuedJob, requeued bool) {
	o.publish(ctx, KeyZombie, Message{
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
		Kind:        job.Kind,
		ScriptPath:  job.ScriptPath,
		ParentJob:   job.ParentJob,
		RootJob:     job.RootJob,
		At:          job.LastPing,
		Requeued:    &requeued,
	})
}

func (o *Observer) publish(ctx context.Context, key string, msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		o.log.ErrorContext(ctx, "encode job event", "job_id", msg.JobID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()
	if err := o.pub.Publish(ctx, key, body); err != nil {
		o.log.WarnContext(ctx, "publish job event failed", "job_id", msg.JobID, "key", key, "error", err)
	}
}
