// Package sandbox runs job code in a subprocess: one runner per language,
// selected through a Registry by the job's language.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/jobflow/pkg/api"
)

// LogFunc receives output lines as the process produces them.
type LogFunc func(chunk string)

// Request is one execution.
type Request struct {
	JobID    string
	Language api.Language
	Code     string
	// Args is a JSON object.
	Args json.RawMessage
	// Env is added to the subprocess environment.
	Env map[string]string

	Timeout       time.Duration
	MemoryLimitMB int

	Logs LogFunc
}

// Runner executes a Request. Implementations return *api.ExecutionError for
// failures of the code itself and ctx.Err() when the caller canceled.
type Runner interface {
	Run(ctx context.Context, req Request) (json.RawMessage, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Registry dispatches by language.
type Registry struct {
	mu      sync.RWMutex
	runners map[api.Language]Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: map[api.Language]Runner{}}
}

// Register installs r for lang, replacing any previous runner.
func (r *Registry) Register(lang api.Language, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[lang] = runner
}

// Languages lists the registered languages.
func (r *Registry) Languages() []api.Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]api.Language, 0, len(r.runners))
	for l := range r.runners {
		out = append(out, l)
	}
	return out
}

// Run executes req with the runner registered for its language.
func (r *Registry) Run(ctx context.Context, req Request) (json.RawMessage, error) {
	r.mu.RLock()
	runner, ok := r.runners[req.Language]
	r.mu.RUnlock()
	if !ok {
		return nil, api.NewExecutionError(api.ErrKindSandboxSpawnFailed, "no runner registered for language %q", req.Language)
	}
	if len(req.Args) == 0 {
		req.Args = json.RawMessage("{}")
	}
	return runner.Run(ctx, req)
}

// Identity returns the previous_result argument of an identity job.
func Identity(args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage("null"), nil
	}
	var in struct {
		PreviousResult json.RawMessage `json:"previous_result"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("identity args: %w", err)
	}
	if len(in.PreviousResult) == 0 {
		return json.RawMessage("null"), nil
	}
	return in.PreviousResult, nil
}
