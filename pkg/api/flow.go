package api

import (
	"encoding/json"
	"fmt"
)

// FlowDefinition is the graph of modules a flow job executes.
type FlowDefinition struct {
	Modules       []FlowModule `json:"modules"`
	FailureModule *FlowModule  `json:"failure_module,omitempty"`

	// Sub-flows spawned by loops and branches are pushed with the context of
	// their parent frozen in: the parent's last result and the module results
	// visible to its expressions.
	PreviousResult json.RawMessage            `json:"previous_result,omitempty"`
	ParentResults  map[string]json.RawMessage `json:"parent_results,omitempty"`
}

// ModuleType selects the variant held by a ModuleValue.
type ModuleType string

const (
	ModuleRawScript ModuleType = "rawscript"
	ModuleIdentity  ModuleType = "identity"
	ModuleFlow      ModuleType = "flow"
	ModuleForLoop   ModuleType = "forloopflow"
	ModuleWhileLoop ModuleType = "whileloopflow"
	ModuleBranchOne ModuleType = "branchone"
	ModuleBranchAll ModuleType = "branchall"
)

// FlowModule is one step of a flow.
type FlowModule struct {
	ID              string       `json:"id"`
	Summary         string       `json:"summary,omitempty"`
	Value           ModuleValue  `json:"value"`
	StopAfterIf     *StopAfterIf `json:"stop_after_if,omitempty"`
	SkipIf          *SkipIf      `json:"skip_if,omitempty"`
	Suspend         *Suspend     `json:"suspend,omitempty"`
	Retry           *Retry       `json:"retry,omitempty"`
	SleepSecs       int          `json:"sleep_secs,omitempty"`
	TimeoutSecs     int          `json:"timeout_secs,omitempty"`
	Priority        int          `json:"priority,omitempty"`
	ContinueOnError bool         `json:"continue_on_error,omitempty"`
}

// ModuleValue is a tagged union keyed by Type. Only the fields of the
// selected variant are meaningful.
type ModuleValue struct {
	Type ModuleType `json:"type"`

	// rawscript
	Language         Language                  `json:"language,omitempty"`
	Content          string                    `json:"content,omitempty"`
	Path             string                    `json:"path,omitempty"`
	Tag              string                    `json:"tag,omitempty"`
	ConcurrencyKey   string                    `json:"concurrency_key,omitempty"`
	ConcurrencyLimit int                       `json:"concurrency_limit,omitempty"`
	Dedicated        bool                      `json:"dedicated,omitempty"`
	InputTransforms  map[string]InputTransform `json:"input_transforms,omitempty"`

	// flow, forloopflow, whileloopflow
	Modules []FlowModule `json:"modules,omitempty"`

	// forloopflow
	Iterator    *InputTransform `json:"iterator,omitempty"`
	Parallel    bool            `json:"parallel,omitempty"`
	Parallelism int             `json:"parallelism,omitempty"`

	// forloopflow, whileloopflow
	SkipFailures bool `json:"skip_failures,omitempty"`

	// whileloopflow
	MaxIterations int `json:"max_iterations,omitempty"`

	// branchone, branchall
	Branches []Branch `json:"branches,omitempty"`

	// branchone
	Default []FlowModule `json:"default,omitempty"`
}

// Branch is one arm of a branchone/branchall module.
type Branch struct {
	Summary     string       `json:"summary,omitempty"`
	Expr        string       `json:"expr,omitempty"`
	Modules     []FlowModule `json:"modules"`
	SkipFailure bool         `json:"skip_failure,omitempty"`
}

// TransformType selects how an InputTransform produces its value.
type TransformType string

const (
	TransformStatic     TransformType = "static"
	TransformJavascript TransformType = "javascript"
)

// InputTransform computes one module input from the flow context.
type InputTransform struct {
	Type  TransformType   `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
	Expr  string          `json:"expr,omitempty"`
}

// Static returns a static input transform.
func Static(v any) InputTransform {
	b, _ := json.Marshal(v)
	return InputTransform{Type: TransformStatic, Value: b}
}

// Expr returns an expression input transform.
func Expr(expr string) InputTransform {
	return InputTransform{Type: TransformJavascript, Expr: expr}
}

// StopAfterIf ends the flow (or a while loop) early when Expr holds.
// A non-empty ErrorMessage turns the early stop into a failure.
type StopAfterIf struct {
	Expr          string `json:"expr"`
	ErrorMessage  string `json:"error_message,omitempty"`
	SkipIfStopped bool   `json:"skip_if_stopped,omitempty"`
}

// SkipIf skips a module when Expr holds.
type SkipIf struct {
	Expr string `json:"expr"`
}

// Suspend makes the flow wait for RequiredEvents approvals after the module
// succeeds.
type Suspend struct {
	RequiredEvents int `json:"required_events"`
	TimeoutSecs    int `json:"timeout_secs,omitempty"`
}

// Validate checks the definition. It is called once when a flow starts.
func (d *FlowDefinition) Validate() error {
	seen := map[string]bool{}
	if err := validateModules(d.Modules, seen); err != nil {
		return err
	}
	if d.FailureModule != nil {
		return validateModule(*d.FailureModule, seen)
	}
	return nil
}

func validateModules(mods []FlowModule, seen map[string]bool) error {
	for _, m := range mods {
		if err := validateModule(m, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateModule(m FlowModule, seen map[string]bool) error {
	if m.ID == "" {
		return &FlowDefinitionError{Reason: "module without id"}
	}
	if seen[m.ID] {
		return &FlowDefinitionError{ModuleID: m.ID, Reason: "duplicate module id"}
	}
	seen[m.ID] = true

	if m.Retry != nil {
		if err := m.Retry.Validate(); err != nil {
			return &FlowDefinitionError{ModuleID: m.ID, Reason: err.Error()}
		}
	}
	if m.Suspend != nil && m.Suspend.RequiredEvents < 0 {
		return &FlowDefinitionError{ModuleID: m.ID, Reason: "negative required_events"}
	}

	v := m.Value
	switch v.Type {
	case ModuleRawScript:
		if v.Language == "" {
			return &FlowDefinitionError{ModuleID: m.ID, Reason: "rawscript without language"}
		}
		for name, t := range v.InputTransforms {
			if err := validateTransform(t); err != nil {
				return &FlowDefinitionError{ModuleID: m.ID, Reason: fmt.Sprintf("input %q: %v", name, err)}
			}
		}
	case ModuleIdentity:
	case ModuleFlow:
		return validateModules(v.Modules, seen)
	case ModuleForLoop:
		if v.Iterator == nil {
			return &FlowDefinitionError{ModuleID: m.ID, Reason: "forloopflow without iterator"}
		}
		if err := validateTransform(*v.Iterator); err != nil {
			return &FlowDefinitionError{ModuleID: m.ID, Reason: "iterator: " + err.Error()}
		}
		if v.Parallelism < 0 {
			return &FlowDefinitionError{ModuleID: m.ID, Reason: "negative parallelism"}
		}
		return validateModules(v.Modules, seen)
	case ModuleWhileLoop:
		if m.StopAfterIf == nil && v.MaxIterations <= 0 {
			return &FlowDefinitionError{ModuleID: m.ID, Reason: "whileloopflow needs stop_after_if or max_iterations"}
		}
		return validateModules(v.Modules, seen)
	case ModuleBranchOne:
		for i, b := range v.Branches {
			if b.Expr == "" {
				return &FlowDefinitionError{ModuleID: m.ID, Reason: fmt.Sprintf("branch %d without expr", i)}
			}
			if err := validateModules(b.Modules, seen); err != nil {
				return err
			}
		}
		return validateModules(v.Default, seen)
	case ModuleBranchAll:
		for _, b := range v.Branches {
			if err := validateModules(b.Modules, seen); err != nil {
				return err
			}
		}
	default:
		return &FlowDefinitionError{ModuleID: m.ID, Reason: fmt.Sprintf("unknown module type %q", v.Type)}
	}
	return nil
}

func validateTransform(t InputTransform) error {
	switch t.Type {
	case TransformStatic:
		if len(t.Value) > 0 && !json.Valid(t.Value) {
			return fmt.Errorf("static value is not valid JSON")
		}
	case TransformJavascript:
		if t.Expr == "" {
			return fmt.Errorf("empty expression")
		}
	default:
		return fmt.Errorf("unknown transform type %q", t.Type)
	}
	return nil
}
