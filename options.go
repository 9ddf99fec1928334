package jobflow

import "github.com/petrijr/jobflow/pkg/api"

// ModuleOption customizes a module added through a FlowBuilder.
type ModuleOption func(*api.FlowModule)

// WithSummary sets a human readable description.
func WithSummary(s string) ModuleOption {
	return func(m *api.FlowModule) { m.Summary = s }
}

// WithInput sets one input of a script module.
func WithInput(name string, t InputTransform) ModuleOption {
	return func(m *api.FlowModule) {
		if m.Value.InputTransforms == nil {
			m.Value.InputTransforms = map[string]api.InputTransform{}
		}
		m.Value.InputTransforms[name] = t
	}
}

// WithPath names the script; dedicated processes are keyed by it.
func WithPath(path string) ModuleOption {
	return func(m *api.FlowModule) { m.Value.Path = path }
}

// WithTag routes the module's job to workers serving tag.
func WithTag(tag string) ModuleOption {
	return func(m *api.FlowModule) { m.Value.Tag = tag }
}

// WithConcurrency limits how many jobs with key run at once.
func WithConcurrency(key string, limit int) ModuleOption {
	return func(m *api.FlowModule) {
		m.Value.ConcurrencyKey = key
		m.Value.ConcurrencyLimit = limit
	}
}

// Dedicated runs the script on a long-lived dedicated process.
func Dedicated() ModuleOption {
	return func(m *api.FlowModule) { m.Value.Dedicated = true }
}

// WithRetry attaches a retry policy built with Retry.
func WithRetry(r RetryBuilder) ModuleOption {
	return func(m *api.FlowModule) { m.Retry = r.Policy() }
}

// SkipIf skips the module when expr holds.
func SkipIf(expr string) ModuleOption {
	return func(m *api.FlowModule) { m.SkipIf = &api.SkipIf{Expr: expr} }
}

// StopAfterIf ends the flow after this module when expr holds. A non-empty
// errorMessage fails the flow instead of stopping it successfully.
func StopAfterIf(expr, errorMessage string) ModuleOption {
	return func(m *api.FlowModule) {
		m.StopAfterIf = &api.StopAfterIf{Expr: expr, ErrorMessage: errorMessage}
	}
}

// WithSuspend waits for events approvals after the module succeeds. A
// positive timeoutSecs fails the flow when approvals do not arrive in time.
func WithSuspend(events, timeoutSecs int) ModuleOption {
	return func(m *api.FlowModule) {
		m.Suspend = &api.Suspend{RequiredEvents: events, TimeoutSecs: timeoutSecs}
	}
}

// WithSleep delays the next module.
func WithSleep(secs int) ModuleOption {
	return func(m *api.FlowModule) { m.SleepSecs = secs }
}

func WithTimeout(secs int) ModuleOption {
	return func(m *api.FlowModule) { m.TimeoutSecs = secs }
}

func WithPriority(p int) ModuleOption {
	return func(m *api.FlowModule) { m.Priority = p }
}

// ContinueOnError lets the flow go on with the error as the module's result.
func ContinueOnError() ModuleOption {
	return func(m *api.FlowModule) { m.ContinueOnError = true }
}

// SkipFailures keeps a loop going when an iteration fails.
func SkipFailures() ModuleOption {
	return func(m *api.FlowModule) { m.Value.SkipFailures = true }
}
