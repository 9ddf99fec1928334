package jobflow

import (
	"fmt"

	"github.com/petrijr/jobflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows:
//
//	flow := jobflow.NewFlow().
//	    Script("fetch", jobflow.LangPython3, fetchSrc).
//	    ForEach("each", jobflow.Expr("results.fetch.items"), jobflow.NewFlow().
//	        Script("process", jobflow.LangBash, processSrc,
//	            jobflow.WithInput("item", jobflow.Expr("flow_input.iter.value")))).
//	    Identity("done", jobflow.WithSuspend(1, 3600))
//
//	id, err := jobflow.PushFlow(ctx, q, flow, args)
type FlowBuilder struct {
	mods    []api.FlowModule
	failure *api.FlowModule
}

// NewFlow creates an empty flow builder.
func NewFlow() *FlowBuilder {
	return &FlowBuilder{mods: make([]api.FlowModule, 0)}
}

func (b *FlowBuilder) add(id string, v api.ModuleValue, opts []ModuleOption) *FlowBuilder {
	if id == "" {
		panic("jobflow: module id must not be empty")
	}
	m := api.FlowModule{ID: id, Value: v}
	for _, o := range opts {
		o(&m)
	}
	b.mods = append(b.mods, m)
	return b
}

func body(b *FlowBuilder, id string) []api.FlowModule {
	if b == nil {
		panic(fmt.Sprintf("jobflow: module %q has nil body", id))
	}
	return b.Modules()
}

// Script appends an inline script module.
func (b *FlowBuilder) Script(id string, lang Language, code string, opts ...ModuleOption) *FlowBuilder {
	return b.add(id, api.ModuleValue{Type: api.ModuleRawScript, Language: lang, Content: code}, opts)
}

// Identity appends a module that passes the previous result through.
func (b *FlowBuilder) Identity(id string, opts ...ModuleOption) *FlowBuilder {
	return b.add(id, api.ModuleValue{Type: api.ModuleIdentity}, opts)
}

// SubFlow appends a nested flow that runs as a child flow job.
func (b *FlowBuilder) SubFlow(id string, sub *FlowBuilder, opts ...ModuleOption) *FlowBuilder {
	return b.add(id, api.ModuleValue{Type: api.ModuleFlow, Modules: body(sub, id)}, opts)
}

// ForEach runs loop once per element of iterator, one iteration at a time.
func (b *FlowBuilder) ForEach(id string, iterator InputTransform, loop *FlowBuilder, opts ...ModuleOption) *FlowBuilder {
	it := iterator
	return b.add(id, api.ModuleValue{Type: api.ModuleForLoop, Iterator: &it, Modules: body(loop, id)}, opts)
}

// ParallelForEach is ForEach with up to parallelism iterations running at
// once. Zero means unbounded.
func (b *FlowBuilder) ParallelForEach(id string, iterator InputTransform, parallelism int, loop *FlowBuilder, opts ...ModuleOption) *FlowBuilder {
	it := iterator
	return b.add(id, api.ModuleValue{
		Type:        api.ModuleForLoop,
		Iterator:    &it,
		Parallel:    true,
		Parallelism: parallelism,
		Modules:     body(loop, id),
	}, opts)
}

// While repeats loop until its stop_after_if holds or maxIterations is
// reached. At least one of the two is required.
func (b *FlowBuilder) While(id string, maxIterations int, loop *FlowBuilder, opts ...ModuleOption) *FlowBuilder {
	return b.add(id, api.ModuleValue{Type: api.ModuleWhileLoop, MaxIterations: maxIterations, Modules: body(loop, id)}, opts)
}

// BranchOne runs the first branch whose expression holds, or otherwise.
func (b *FlowBuilder) BranchOne(id string, branches []api.Branch, otherwise *FlowBuilder, opts ...ModuleOption) *FlowBuilder {
	v := api.ModuleValue{Type: api.ModuleBranchOne, Branches: branches}
	if otherwise != nil {
		v.Default = otherwise.Modules()
	}
	return b.add(id, v, opts)
}

// BranchAll runs every branch and collects their results.
func (b *FlowBuilder) BranchAll(id string, branches []api.Branch, opts ...ModuleOption) *FlowBuilder {
	return b.add(id, api.ModuleValue{Type: api.ModuleBranchAll, Branches: branches}, opts)
}

// When builds a branch for BranchOne.
func When(expr string, then *FlowBuilder) api.Branch {
	return api.Branch{Expr: expr, Modules: body(then, expr)}
}

// Arm builds a branch for BranchAll. A failing arm with skipFailure set does
// not fail the module.
func Arm(arm *FlowBuilder, skipFailure bool) api.Branch {
	return api.Branch{Modules: body(arm, "branch"), SkipFailure: skipFailure}
}

// OnFailure sets the script run when the flow fails. Its result becomes the
// flow's result.
func (b *FlowBuilder) OnFailure(id string, lang Language, code string, opts ...ModuleOption) *FlowBuilder {
	m := api.FlowModule{ID: id, Value: api.ModuleValue{Type: api.ModuleRawScript, Language: lang, Content: code}}
	for _, o := range opts {
		o(&m)
	}
	b.failure = &m
	return b
}

// Modules returns a copy of the modules added so far.
func (b *FlowBuilder) Modules() []api.FlowModule {
	return append([]api.FlowModule(nil), b.mods...)
}

// Build validates and returns the definition.
func (b *FlowBuilder) Build() (*FlowDefinition, error) {
	def := &api.FlowDefinition{Modules: b.Modules(), FailureModule: b.failure}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// MustBuild is like Build but panics on error.
// Useful for package-level flow definitions.
func (b *FlowBuilder) MustBuild() *FlowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
