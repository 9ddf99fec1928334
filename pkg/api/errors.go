package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTransientQueueConflict is returned when a pull or complete lost a
	// lock or serialization race. Callers retry.
	ErrTransientQueueConflict = errors.New("transient queue conflict")

	// ErrConcurrencyLimitReached is returned by pull when runnable jobs exist
	// but every candidate is blocked by its concurrency key. The jobs stay
	// queued.
	ErrConcurrencyLimitReached = errors.New("concurrency limit reached")

	// ErrJobNotFound is returned when a job id is in neither table.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotFound is returned when a resource or variable cannot be fetched.
	ErrNotFound = errors.New("not found")

	// ErrZombieJobDetected marks jobs failed by the zombie sweep.
	ErrZombieJobDetected = errors.New("zombie job detected")

	// ErrNotSuspended is returned when resuming a flow that is not waiting
	// for approvals.
	ErrNotSuspended = errors.New("flow is not suspended")
)

// ErrorKind classifies a persisted job error.
type ErrorKind string

const (
	ErrKindTimeout            ErrorKind = "Timeout"
	ErrKindScriptFailed       ErrorKind = "ScriptFailed"
	ErrKindBadResult          ErrorKind = "BadResult"
	ErrKindSandboxSpawnFailed ErrorKind = "SandboxSpawnFailed"
	ErrKindFlowDefinition     ErrorKind = "FlowDefinitionError"
	ErrKindZombie             ErrorKind = "ZombieJobDetected"
	ErrKindCanceled           ErrorKind = "Canceled"
	ErrKindNotFound           ErrorKind = "NotFound"
	ErrKindExecution          ErrorKind = "ExecutionError"
)

// ExecutionError is returned by the execution sandbox and the dedicated
// worker pool.
type ExecutionError struct {
	Kind       ErrorKind
	Message    string
	StderrTail string
}

func (e *ExecutionError) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.StderrTail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewExecutionError builds an ExecutionError.
func NewExecutionError(kind ErrorKind, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FlowDefinitionError reports a malformed flow graph or a broken expression.
// It fails the flow immediately and is never retried.
type FlowDefinitionError struct {
	ModuleID string
	Reason   string
}

func (e *FlowDefinitionError) Error() string {
	if e.ModuleID == "" {
		return "invalid flow definition: " + e.Reason
	}
	return fmt.Sprintf("invalid flow definition at module %q: %s", e.ModuleID, e.Reason)
}

// StorageError wraps a database failure. It propagates to the caller, which
// retries with backoff.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// WrapStorage wraps err as a StorageError unless it is nil or already one of
// the queue sentinels.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrTransientQueueConflict) ||
		errors.Is(err, ErrConcurrencyLimitReached) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// JobError is the error persisted on a failed job.
type JobError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StderrTail string    `json:"stderr_tail,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	StepIndex  *int      `json:"step_index,omitempty"`
}

func (e *JobError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s at step %q: %s", e.Kind, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithStep returns a copy of e tagged with the failing module. Errors already
// tagged by a nested flow keep the innermost step.
func (e *JobError) WithStep(id string, idx int) *JobError {
	cp := *e
	if cp.StepIndex == nil {
		if cp.StepID == "" {
			cp.StepID = id
		}
		cp.StepIndex = &idx
	}
	return &cp
}

// JSON renders the error as the value exposed to flow expressions and to
// failure modules.
func (e *JobError) JSON() json.RawMessage {
	b, _ := json.Marshal(map[string]any{"error": e})
	return b
}

// ToJobError converts any error into its persisted form.
func ToJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return &JobError{Kind: ee.Kind, Message: ee.Message, StderrTail: ee.StderrTail}
	}
	var fe *FlowDefinitionError
	if errors.As(err, &fe) {
		return &JobError{Kind: ErrKindFlowDefinition, Message: fe.Error(), StepID: fe.ModuleID}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return &JobError{Kind: ErrKindNotFound, Message: err.Error()}
	case errors.Is(err, ErrZombieJobDetected):
		return &JobError{Kind: ErrKindZombie, Message: err.Error()}
	}
	return &JobError{Kind: ErrKindExecution, Message: err.Error()}
}
