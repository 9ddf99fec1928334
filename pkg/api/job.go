package api

import (
	"bytes"
	"encoding/json"
	"time"
)

// JobKind distinguishes what a worker does with a pulled job.
type JobKind string

const (
	KindScript   JobKind = "script"
	KindFlow     JobKind = "flow"
	KindIdentity JobKind = "identity"
	KindNoop     JobKind = "noop"
)

// Language selects the runner used by the execution sandbox.
type Language string

const (
	LangBash    Language = "bash"
	LangPython3 Language = "python3"
	LangDeno    Language = "deno"
	LangBun     Language = "bun"
)

// Tag used for flow jobs and for identity/noop jobs when no tag is given.
const (
	TagFlow  = "flow"
	TagOther = "other"
)

// DefaultTag returns the tag a job is routed to when the pusher did not
// provide one.
func DefaultTag(kind JobKind, lang Language) string {
	switch kind {
	case KindFlow:
		return TagFlow
	case KindScript:
		if lang != "" {
			return string(lang)
		}
	}
	return TagOther
}

// JobStatus is the externally visible state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSuspended JobStatus = "suspended"
	JobSuccess   JobStatus = "success"
	JobFailure   JobStatus = "failure"
	JobCanceled  JobStatus = "canceled"
)

// QueuedJob is the mutable representation of a job while it lives in the
// scheduling table.
type QueuedJob struct {
	ID          string
	WorkspaceID string
	Kind        JobKind
	Language    Language
	ScriptPath  string
	ScriptHash  string
	Code        string

	// Args is always a JSON object; key order is preserved as pushed.
	Args json.RawMessage

	Tag          string
	Priority     int
	CreatedAt    time.Time
	ScheduledFor time.Time
	StartedAt    time.Time
	LastPing     time.Time
	Running      bool
	Worker       string

	ConcurrencyKey   string
	ConcurrencyLimit int
	TimeoutSecs      int
	Dedicated        bool

	// Ancestry links are plain ids, looked up through the store.
	ParentJob            string
	RootJob              string
	FlowInnermostRootJob string

	RawFlow    *FlowDefinition
	FlowStatus *FlowStatus

	Canceled       bool
	CanceledBy     string
	CanceledReason string

	Suspend      int
	SuspendUntil time.Time

	ZombieRestarts int
	Logs           string
}

// IsFlow reports whether the job is driven by the flow interpreter rather
// than by a sandbox.
func (j *QueuedJob) IsFlow() bool { return j.Kind == KindFlow }

// Clone returns a deep copy. FlowStatus is copied through JSON so callers may
// mutate the clone freely; RawFlow is treated as immutable and shared.
func (j *QueuedJob) Clone() *QueuedJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Args != nil {
		cp.Args = append(json.RawMessage(nil), j.Args...)
	}
	if j.FlowStatus != nil {
		cp.FlowStatus = j.FlowStatus.Clone()
	}
	return &cp
}

// CompletedJob is the immutable record written once a job reaches a terminal
// outcome.
type CompletedJob struct {
	ID                   string
	WorkspaceID          string
	Kind                 JobKind
	Language             Language
	ScriptPath           string
	ScriptHash           string
	Args                 json.RawMessage
	Tag                  string
	ParentJob            string
	RootJob              string
	FlowInnermostRootJob string
	CreatedAt            time.Time
	StartedAt            time.Time
	CompletedAt          time.Time
	Duration             time.Duration
	Success              bool
	Result               json.RawMessage
	Error                *JobError
	RawFlow              *FlowDefinition
	FlowStatus           *FlowStatus
	Canceled             bool
	CanceledBy           string
	CanceledReason       string
	Logs                 string
	ConcurrencyKey       string
	Worker               string
}

// NewCompletedJob builds the completed row for j with the given outcome.
func NewCompletedJob(j *QueuedJob, out Outcome, logs string, duration time.Duration, now time.Time) *CompletedJob {
	c := &CompletedJob{
		ID:                   j.ID,
		WorkspaceID:          j.WorkspaceID,
		Kind:                 j.Kind,
		Language:             j.Language,
		ScriptPath:           j.ScriptPath,
		ScriptHash:           j.ScriptHash,
		Args:                 j.Args,
		Tag:                  j.Tag,
		ParentJob:            j.ParentJob,
		RootJob:              j.RootJob,
		FlowInnermostRootJob: j.FlowInnermostRootJob,
		CreatedAt:            j.CreatedAt,
		StartedAt:            j.StartedAt,
		CompletedAt:          now,
		Duration:             duration,
		Success:              out.Err == nil,
		Result:               out.Result,
		Error:                out.Err,
		RawFlow:              j.RawFlow,
		FlowStatus:           j.FlowStatus,
		Canceled:             j.Canceled,
		CanceledBy:           j.CanceledBy,
		CanceledReason:       j.CanceledReason,
		Logs:                 j.Logs + logs,
		ConcurrencyKey:       j.ConcurrencyKey,
		Worker:               j.Worker,
	}
	if out.Err != nil && out.Err.Kind == ErrKindCanceled {
		c.Canceled = true
		if c.CanceledReason == "" {
			c.CanceledReason = out.Err.Message
		}
	}
	return c
}

// Outcome is the terminal result handed to the completion path.
// A non-nil Err marks a failure; Result may still carry a value (for example
// the output of a flow's failure module).
type Outcome struct {
	Result json.RawMessage
	Err    *JobError
}

// Success builds a successful outcome. A nil value is stored as JSON null.
func Success(v json.RawMessage) Outcome {
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	return Outcome{Result: v}
}

// Failure builds a failed outcome.
func Failure(err *JobError) Outcome {
	return Outcome{Err: err}
}

// Failed reports whether the outcome is a failure.
func (o Outcome) Failed() bool { return o.Err != nil }

// JobView is what the status read exposes.
type JobView struct {
	ID          string
	WorkspaceID string
	Kind        JobKind
	ScriptPath  string
	Tag         string
	Args        json.RawMessage
	Status      JobStatus
	Running     bool
	Logs        string
	Result      json.RawMessage
	Error       *JobError
	FlowStatus  *FlowStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	ParentJob   string
	RootJob     string
	Suspend     int
}

// ViewFromQueued renders a queued job, returning logs from offset onwards.
func ViewFromQueued(j *QueuedJob, logOffset int) *JobView {
	status := JobQueued
	switch {
	case j.Suspend > 0:
		status = JobSuspended
	case j.Running:
		status = JobRunning
	}
	return &JobView{
		ID:          j.ID,
		WorkspaceID: j.WorkspaceID,
		Kind:        j.Kind,
		ScriptPath:  j.ScriptPath,
		Tag:         j.Tag,
		Args:        j.Args,
		Status:      status,
		Running:     j.Running,
		Logs:        sliceLogs(j.Logs, logOffset),
		FlowStatus:  j.FlowStatus,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		ParentJob:   j.ParentJob,
		RootJob:     j.RootJob,
		Suspend:     j.Suspend,
	}
}

// ViewFromCompleted renders a completed job, returning logs from offset onwards.
func ViewFromCompleted(c *CompletedJob, logOffset int) *JobView {
	status := JobSuccess
	switch {
	case c.Canceled:
		status = JobCanceled
	case !c.Success:
		status = JobFailure
	}
	return &JobView{
		ID:          c.ID,
		WorkspaceID: c.WorkspaceID,
		Kind:        c.Kind,
		ScriptPath:  c.ScriptPath,
		Tag:         c.Tag,
		Args:        c.Args,
		Status:      status,
		Logs:        sliceLogs(c.Logs, logOffset),
		Result:      c.Result,
		Error:       c.Error,
		FlowStatus:  c.FlowStatus,
		CreatedAt:   c.CreatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
		ParentJob:   c.ParentJob,
		RootJob:     c.RootJob,
	}
}

func sliceLogs(logs string, offset int) string {
	if offset <= 0 {
		return logs
	}
	if offset >= len(logs) {
		return ""
	}
	return logs[offset:]
}

// IsJSONObject reports whether raw holds a JSON object.
func IsJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
