package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/petrijr/jobflow/pkg/api"
)

// Env is what an expression can see.
type Env struct {
	FlowInput      map[string]any
	Results        map[string]any
	PreviousResult any
	Iter           any
	Resume         any
	Approvers      []string
	// Result is only set for stop_after_if: the output of the module that
	// just finished.
	Result any
}

func (e Env) vars() map[string]any {
	return map[string]any{
		"flow_input":      e.FlowInput,
		"results":         e.Results,
		"previous_result": e.PreviousResult,
		"iter":            e.Iter,
		"resume":          e.Resume,
		"approvers":       e.Approvers,
		"result":          e.Result,
	}
}

// Evaluator compiles and runs flow expressions. Compiled programs are cached
// by source; an Evaluator is safe for concurrent use.
type Evaluator struct {
	programs sync.Map // string -> *vm.Program
}

// NewEvaluator returns an empty Evaluator.
func NewEvaluator() *Evaluator { return &Evaluator{} }

var (
	dotRef     = regexp.MustCompile(`\bresults\.([A-Za-z_][A-Za-z0-9_]*)`)
	bracketRef = regexp.MustCompile(`\bresults\[\s*["']([^"']+)["']\s*\]`)
)

// missingResult returns the first module id referenced through results that
// has no recorded result.
func missingResult(code string, results map[string]any) (string, bool) {
	for _, re := range []*regexp.Regexp{dotRef, bracketRef} {
		for _, m := range re.FindAllStringSubmatch(code, -1) {
			if _, ok := results[m[1]]; !ok {
				return m[1], true
			}
		}
	}
	return "", false
}

func (e *Evaluator) program(code string) (*vm.Program, error) {
	if p, ok := e.programs.Load(code); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(code)
	if err != nil {
		return nil, err
	}
	e.programs.Store(code, p)
	return p, nil
}

// Eval runs code against env. Every failure is a *api.FlowDefinitionError
// attributed to moduleID.
func (e *Evaluator) Eval(moduleID, code string, env Env) (any, error) {
	if id, missing := missingResult(code, env.Results); missing {
		return nil, &api.FlowDefinitionError{
			ModuleID: moduleID,
			Reason:   fmt.Sprintf("expression %q references results.%s, which has no result", code, id),
		}
	}
	p, err := e.program(code)
	if err != nil {
		return nil, &api.FlowDefinitionError{ModuleID: moduleID, Reason: fmt.Sprintf("compile %q: %v", code, err)}
	}
	out, err := expr.Run(p, env.vars())
	if err != nil {
		return nil, &api.FlowDefinitionError{ModuleID: moduleID, Reason: fmt.Sprintf("evaluate %q: %v", code, err)}
	}
	return out, nil
}

// Bool runs a predicate.
func (e *Evaluator) Bool(moduleID, code string, env Env) (bool, error) {
	out, err := e.Eval(moduleID, code, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, &api.FlowDefinitionError{
			ModuleID: moduleID,
			Reason:   fmt.Sprintf("expression %q evaluated to %T, want bool", code, out),
		}
	}
	return b, nil
}

// JSON runs code and encodes the value.
func (e *Evaluator) JSON(moduleID, code string, env Env) (json.RawMessage, error) {
	out, err := e.Eval(moduleID, code, env)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, &api.FlowDefinitionError{ModuleID: moduleID, Reason: fmt.Sprintf("encode result of %q: %v", code, err)}
	}
	return b, nil
}

// Transform computes one input transform.
func (e *Evaluator) Transform(moduleID string, t api.InputTransform, env Env) (json.RawMessage, error) {
	switch t.Type {
	case api.TransformStatic:
		if len(t.Value) == 0 {
			return json.RawMessage("null"), nil
		}
		return t.Value, nil
	case api.TransformJavascript:
		return e.JSON(moduleID, t.Expr, env)
	}
	return nil, &api.FlowDefinitionError{ModuleID: moduleID, Reason: fmt.Sprintf("unknown transform type %q", t.Type)}
}

func decode(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
