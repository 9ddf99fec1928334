// Package flow is the flow interpreter: a state machine that, given a flow job
// and the outcome of one of its children, computes the next child jobs to
// push and the new flow status.
//
// The machine performs no I/O. It mutates the flow job it is handed
// (FlowStatus, Suspend, SuspendUntil) and returns the side effects the caller
// must persist in the same transaction. Feeding the same outcomes to a fresh
// machine with the same clock and id source yields the same status.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/jobflow/pkg/api"
)

// ErrUnknownChild is returned by Advance when the completed job is not one
// the current module waits for, e.g. a late child of a canceled flow.
var ErrUnknownChild = errors.New("flow: job is not awaited by the current step")

// Step identifies a module the machine just started.
type Step struct {
	ModuleID string
	Index    int
}

// Effects is what the caller must apply after a transition.
type Effects struct {
	// Push lists new child jobs to insert.
	Push []*api.QueuedJob
	// Steps lists the modules that were started.
	Steps []Step
	// Done is set when the flow reached a terminal outcome.
	Done *api.Outcome
}

// Options configures a Machine. Zero values use the wall clock, random UUIDs
// and the process-wide random source for retry jitter.
type Options struct {
	Now   func() time.Time
	NewID func() string
	// Jitter must be safe for concurrent use; a *rand.Rand is not.
	Jitter api.Jitter
	Eval   *Evaluator
}

// Machine is the flow interpreter. It is safe for concurrent use as long as
// each call gets a distinct job.
type Machine struct {
	now   func() time.Time
	newID func() string
	rng   api.Jitter
	eval  *Evaluator
}

// globalJitter draws from the math/rand/v2 top-level source, which is safe
// for concurrent use.
type globalJitter struct{}

func (globalJitter) Float64() float64 { return rand.Float64() }

// NewMachine builds a Machine.
func NewMachine(opts Options) *Machine {
	m := &Machine{now: opts.Now, newID: opts.NewID, rng: opts.Jitter, eval: opts.Eval}
	if m.now == nil {
		m.now = time.Now
	}
	if m.rng == nil {
		m.rng = globalJitter{}
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.NewString() }
	}
	if m.eval == nil {
		m.eval = NewEvaluator()
	}
	return m
}

// Start initializes the flow status of a freshly pulled flow job and starts
// its first module. An invalid definition fails the flow.
func (m *Machine) Start(job *api.QueuedJob) (Effects, error) {
	if job.RawFlow == nil {
		return Effects{}, fmt.Errorf("flow: job %s has no flow definition", job.ID)
	}
	r := m.run(job)
	if err := job.RawFlow.Validate(); err != nil {
		r.finish(api.Failure(api.ToJobError(err)))
		return r.eff, nil
	}
	job.FlowStatus = api.NewFlowStatus(job.RawFlow)
	job.FlowStatus.InitialResult = job.RawFlow.PreviousResult
	r.fs = job.FlowStatus
	r.schedule(0, r.fs.InitialResult, r.now)
	return r.eff, nil
}

// Advance feeds the outcome of child job childID to the flow.
func (m *Machine) Advance(job *api.QueuedJob, childID string, out api.Outcome) (Effects, error) {
	if job.FlowStatus == nil || job.RawFlow == nil {
		return Effects{}, fmt.Errorf("flow: job %s has not started", job.ID)
	}
	r := m.run(job)
	idx := r.fs.Step
	mod, st := r.module(idx)
	owned, slot := st.Owns(childID)
	if !owned || st.Type != api.StateInProgress {
		return Effects{}, ErrUnknownChild
	}
	if slot >= 0 && st.FlowJobsSuccess[slot] != nil {
		return Effects{}, ErrUnknownChild
	}

	switch mod.Value.Type {
	case api.ModuleForLoop, api.ModuleWhileLoop:
		r.loopChildDone(idx, slot, out)
	case api.ModuleBranchAll:
		r.branchAllChildDone(idx, slot, out)
	default:
		if out.Failed() {
			r.moduleFailed(idx, out.Err)
		} else {
			r.succeed(idx, out.Result)
		}
	}
	return r.eff, nil
}

// Resume delivers one approval to a suspended flow. A disapproval cancels the
// flow; the last required approval resumes it, with the approval payload, when
// not null, as the next module's previous_result.
func (m *Machine) Resume(job *api.QueuedJob, a api.Approval) (Effects, error) {
	if job.Suspend <= 0 || job.FlowStatus == nil {
		return Effects{}, api.ErrNotSuspended
	}
	r := m.run(job)
	idx := r.fs.Step
	_, st := r.module(idx)
	if st.Type != api.StateWaitingForEvents {
		return Effects{}, api.ErrNotSuspended
	}
	a.ResumeID = len(st.Approvers)
	st.Approvers = append(st.Approvers, a)

	if !a.Approved {
		job.Suspend = 0
		job.SuspendUntil = time.Time{}
		st.Count = 0
		st.Type = api.StateFailure
		msg := "approval denied"
		if a.Approver != "" {
			msg += " by " + a.Approver
		}
		st.Error = &api.JobError{Kind: api.ErrKindCanceled, Message: msg}
		r.finish(api.Failure(st.Error.WithStep(st.ID, idx)))
		return r.eff, nil
	}

	job.Suspend--
	st.Count = job.Suspend
	if job.Suspend > 0 {
		return r.eff, nil
	}
	job.SuspendUntil = time.Time{}
	st.Type = api.StateSuccess
	mod, _ := r.module(idx)
	r.schedule(idx+1, outputOf(st), r.now.Add(time.Duration(mod.SleepSecs)*time.Second))
	return r.eff, nil
}

// Expire fails a suspended flow whose approval deadline passed. The failure
// goes through the failure module like any module failure.
func (m *Machine) Expire(job *api.QueuedJob) (Effects, error) {
	if job.Suspend <= 0 || job.FlowStatus == nil {
		return Effects{}, api.ErrNotSuspended
	}
	r := m.run(job)
	idx := r.fs.Step
	_, st := r.module(idx)
	job.Suspend = 0
	job.SuspendUntil = time.Time{}
	st.Count = 0
	jerr := &api.JobError{Kind: api.ErrKindTimeout, Message: "approval timed out"}
	st.Type = api.StateFailure
	st.Error = jerr
	r.flowFailed(idx, jerr)
	return r.eff, nil
}

// run is the state of one transition.
type run struct {
	m   *Machine
	job *api.QueuedJob
	def *api.FlowDefinition
	fs  *api.FlowStatus
	now time.Time
	eff Effects
}

func (m *Machine) run(job *api.QueuedJob) *run {
	return &run{m: m, job: job, def: job.RawFlow, fs: job.FlowStatus, now: m.now().UTC()}
}

// module returns the definition and status of step idx; idx == len(modules)
// is the failure module.
func (r *run) module(idx int) (api.FlowModule, *api.FlowStatusModule) {
	if idx < len(r.def.Modules) {
		return r.def.Modules[idx], &r.fs.Modules[idx]
	}
	var mod api.FlowModule
	if r.def.FailureModule != nil {
		mod = *r.def.FailureModule
	}
	return mod, &r.fs.FailureModule
}

func (r *run) isFailureModule(idx int) bool { return idx >= len(r.def.Modules) }

func (r *run) finish(out api.Outcome) {
	if out.Err == nil && len(out.Result) == 0 {
		out.Result = json.RawMessage("null")
	}
	r.eff.Done = &out
}

func (r *run) push(j *api.QueuedJob) {
	r.eff.Push = append(r.eff.Push, j)
}

// schedule starts step idx, skipping modules whose skip_if holds, or
// completes the flow when no module is left.
func (r *run) schedule(idx int, prev json.RawMessage, at time.Time) {
	if idx >= len(r.def.Modules) {
		r.fs.Step = len(r.def.Modules) - 1
		if r.fs.Step < 0 {
			r.fs.Step = 0
		}
		r.finish(api.Success(prev))
		return
	}
	r.fs.Step = idx
	mod, st := r.module(idx)

	if mod.SkipIf != nil {
		skip, err := r.m.eval.Bool(mod.ID, mod.SkipIf.Expr, r.env(prev))
		if err != nil {
			r.abort(idx, err)
			return
		}
		if skip {
			st.Type = api.StateSuccess
			st.Skipped = true
			st.Result = prev
			r.schedule(idx+1, prev, at)
			return
		}
	}
	r.start(idx, prev, at)
}

// start launches the module at idx: it pushes its child jobs or, for modules
// with nothing to run, succeeds immediately.
func (r *run) start(idx int, prev json.RawMessage, at time.Time) {
	mod, st := r.module(idx)
	env := r.env(prev)
	r.eff.Steps = append(r.eff.Steps, Step{ModuleID: mod.ID, Index: idx})

	v := mod.Value
	switch v.Type {
	case api.ModuleRawScript:
		args, err := r.inputs(mod, env)
		if err != nil {
			r.abort(idx, err)
			return
		}
		r.awaitOne(st, r.scriptJob(mod, args, at))

	case api.ModuleIdentity:
		r.awaitOne(st, r.identityJob(mod, prev, at))

	case api.ModuleFlow:
		if len(v.Modules) == 0 {
			r.succeed(idx, prev)
			return
		}
		r.awaitOne(st, r.subflowJob(mod, v.Modules, r.job.Args, prev, at))

	case api.ModuleBranchOne:
		body, chosen, err := r.chooseBranch(mod, env)
		if err != nil {
			r.abort(idx, err)
			return
		}
		st.BranchChosen = chosen
		if len(body) == 0 {
			r.succeed(idx, prev)
			return
		}
		r.awaitOne(st, r.subflowJob(mod, body, r.job.Args, prev, at))

	case api.ModuleForLoop:
		r.startForLoop(idx, env, prev, at)

	case api.ModuleWhileLoop:
		st.Type = api.StateInProgress
		st.WhileLoop = true
		st.Iterator = &api.IteratorStatus{}
		r.pushIteration(idx, 0, json.RawMessage(`0`), prev, at)

	case api.ModuleBranchAll:
		r.startBranchAll(idx, prev, at)

	default:
		r.abort(idx, &api.FlowDefinitionError{ModuleID: mod.ID, Reason: fmt.Sprintf("unknown module type %q", v.Type)})
	}
}

func (r *run) awaitOne(st *api.FlowStatusModule, child *api.QueuedJob) {
	st.Type = api.StateInProgress
	st.Job = child.ID
	r.push(child)
}

func (r *run) chooseBranch(mod api.FlowModule, env Env) ([]api.FlowModule, *api.BranchChosen, error) {
	for i, b := range mod.Value.Branches {
		ok, err := r.m.eval.Bool(mod.ID, b.Expr, env)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return b.Modules, &api.BranchChosen{Type: "branch", Branch: i}, nil
		}
	}
	return mod.Value.Default, &api.BranchChosen{Type: "default"}, nil
}

// succeed records a module's output and moves on: stop_after_if, then
// suspend, then the next module after sleep_secs.
func (r *run) succeed(idx int, result json.RawMessage) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	mod, st := r.module(idx)
	st.Type = api.StateSuccess
	st.Result = result

	if r.isFailureModule(idx) {
		r.finish(api.Outcome{Result: result, Err: r.fs.FailedWith})
		return
	}

	// A while loop evaluates stop_after_if per iteration instead.
	if mod.StopAfterIf != nil && mod.Value.Type != api.ModuleWhileLoop {
		env := r.env(result)
		env.Result = decode(result)
		stop, err := r.m.eval.Bool(mod.ID, mod.StopAfterIf.Expr, env)
		if err != nil {
			r.abort(idx, err)
			return
		}
		if stop {
			if mod.StopAfterIf.ErrorMessage != "" {
				st.Type = api.StateFailure
				st.Error = &api.JobError{Kind: api.ErrKindExecution, Message: mod.StopAfterIf.ErrorMessage}
				r.finish(api.Outcome{Result: result, Err: st.Error.WithStep(mod.ID, idx)})
				return
			}
			r.finish(api.Success(result))
			return
		}
	}

	if s := mod.Suspend; s != nil && s.RequiredEvents > 0 {
		st.Type = api.StateWaitingForEvents
		st.Count = s.RequiredEvents
		r.job.Suspend = s.RequiredEvents
		if s.TimeoutSecs > 0 {
			r.job.SuspendUntil = r.now.Add(time.Duration(s.TimeoutSecs) * time.Second)
		}
		return
	}

	r.schedule(idx+1, result, r.now.Add(time.Duration(mod.SleepSecs)*time.Second))
}

// moduleFailed applies the module's retry policy, then continue_on_error,
// then fails the flow.
func (r *run) moduleFailed(idx int, jerr *api.JobError) {
	mod, st := r.module(idx)
	failedJob := st.Job
	if failedJob == "" && len(st.FlowJobs) > 0 {
		failedJob = st.FlowJobs[len(st.FlowJobs)-1]
	}

	rs := r.fs.Retry[mod.ID]
	if rs == nil {
		rs = &api.RetryStatus{}
	}
	if delay, ok := mod.Retry.Interval(rs.FailCount, r.m.rng); ok {
		rs.FailCount++
		rs.FailedJobs = append(rs.FailedJobs, failedJob)
		if r.fs.Retry == nil {
			r.fs.Retry = map[string]*api.RetryStatus{}
		}
		r.fs.Retry[mod.ID] = rs
		*st = api.FlowStatusModule{
			Type:          api.StateWaitingForPriorSteps,
			ID:            st.ID,
			FailedRetries: append(st.FailedRetries, failedJob),
		}
		r.start(idx, r.previousOf(idx), r.now.Add(delay))
		return
	}

	st.Type = api.StateFailure
	st.Error = jerr

	if r.isFailureModule(idx) {
		r.finish(api.Outcome{Result: jerr.JSON(), Err: r.fs.FailedWith})
		return
	}
	if mod.ContinueOnError {
		st.Result = jerr.JSON()
		r.schedule(idx+1, st.Result, r.now.Add(time.Duration(mod.SleepSecs)*time.Second))
		return
	}
	r.flowFailed(idx, jerr)
}

// flowFailed hands the error to the failure module, if any, or ends the flow.
func (r *run) flowFailed(idx int, jerr *api.JobError) {
	mod, _ := r.module(idx)
	tagged := jerr.WithStep(mod.ID, idx)
	if r.def.FailureModule == nil || r.isFailureModule(idx) {
		r.finish(api.Failure(tagged))
		return
	}
	r.fs.FailedWith = tagged
	fidx := len(r.def.Modules)
	r.fs.Step = fidx
	r.start(fidx, tagged.JSON(), r.now)
}

// abort fails the flow without retries or failure module. It is used for
// definition errors, which would fail the same way again.
func (r *run) abort(idx int, err error) {
	mod, st := r.module(idx)
	jerr := api.ToJobError(err)
	st.Type = api.StateFailure
	st.Error = jerr
	r.finish(api.Failure(jerr.WithStep(mod.ID, idx)))
}

// previousOf is the previous_result seen by step idx.
func (r *run) previousOf(idx int) json.RawMessage {
	if r.isFailureModule(idx) && r.fs.FailedWith != nil {
		return r.fs.FailedWith.JSON()
	}
	if idx == 0 {
		return r.fs.InitialResult
	}
	return outputOf(&r.fs.Modules[idx-1])
}

// outputOf is what a finished module hands to the next one: the last
// approval payload when it carried one, the module result otherwise.
func outputOf(st *api.FlowStatusModule) json.RawMessage {
	if n := len(st.Approvers); n > 0 {
		if p := st.Approvers[n-1].Payload; len(p) > 0 && string(p) != "null" {
			return p
		}
	}
	return st.Result
}

// env builds the expression environment of the current step.
func (r *run) env(prev json.RawMessage) Env {
	env := Env{
		Results:        map[string]any{},
		PreviousResult: decode(prev),
	}
	if in, ok := decode(r.job.Args).(map[string]any); ok {
		env.FlowInput = in
		env.Iter = in["iter"]
	} else {
		env.FlowInput = map[string]any{}
	}
	for id, raw := range r.def.ParentResults {
		env.Results[id] = decode(raw)
	}
	for i := range r.fs.Modules {
		st := &r.fs.Modules[i]
		if len(st.Result) > 0 {
			env.Results[st.ID] = decode(st.Result)
		}
	}
	if r.fs.Step > 0 && r.fs.Step <= len(r.fs.Modules) {
		last := &r.fs.Modules[r.fs.Step-1]
		if n := len(last.Approvers); n > 0 {
			env.Resume = decode(last.Approvers[n-1].Payload)
			for _, a := range last.Approvers {
				env.Approvers = append(env.Approvers, a.Approver)
			}
		}
	}
	return env
}

// visibleResults is the results map handed to sub-flows.
func (r *run) visibleResults() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for id, raw := range r.def.ParentResults {
		out[id] = raw
	}
	for i := range r.fs.Modules {
		if st := &r.fs.Modules[i]; len(st.Result) > 0 {
			out[st.ID] = st.Result
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// inputs computes a script module's arguments from its input transforms.
func (r *run) inputs(mod api.FlowModule, env Env) (json.RawMessage, error) {
	args := make(map[string]json.RawMessage, len(mod.Value.InputTransforms))
	for name, t := range mod.Value.InputTransforms {
		v, err := r.m.eval.Transform(mod.ID, t, env)
		if err != nil {
			return nil, err
		}
		args[name] = v
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, &api.FlowDefinitionError{ModuleID: mod.ID, Reason: err.Error()}
	}
	return b, nil
}
