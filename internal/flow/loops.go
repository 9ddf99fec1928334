package flow

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/petrijr/jobflow/pkg/api"
)

// Fan-out modules (for loops, while loops, branchall) run every iteration or
// branch as a sub-flow job. FlowJobs, FlowJobsSuccess and FlowJobsResults are
// indexed by iteration (or branch) number.
//
// A parallel fan-out always waits for every child. When some failed and
// failures are not skipped, the module fails with the error of the lowest
// failed index once the last child reported.

func (r *run) startForLoop(idx int, env Env, prev json.RawMessage, at time.Time) {
	mod, st := r.module(idx)
	raw, err := r.m.eval.Transform(mod.ID, *mod.Value.Iterator, env)
	if err != nil {
		r.abort(idx, err)
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || string(raw) == "null" {
		r.abort(idx, &api.FlowDefinitionError{ModuleID: mod.ID, Reason: "iterator must evaluate to an array, got " + string(raw)})
		return
	}

	st.Iterator = &api.IteratorStatus{Itered: items}
	st.Parallel = mod.Value.Parallel
	if len(items) == 0 {
		r.succeed(idx, json.RawMessage("[]"))
		return
	}
	st.Type = api.StateInProgress

	n := 1
	if st.Parallel {
		n = len(items)
		if p := mod.Value.Parallelism; p > 0 && p < n {
			n = p
		}
	}
	for i := 0; i < n; i++ {
		r.pushIteration(idx, i, items[i], prev, at)
	}
}

func (r *run) pushIteration(idx, i int, value, prev json.RawMessage, at time.Time) {
	mod, st := r.module(idx)
	j := r.subflowJob(mod, mod.Value.Modules, withIter(r.job.Args, value, i), prev, at)
	st.FlowJobs = append(st.FlowJobs, j.ID)
	st.FlowJobsSuccess = append(st.FlowJobsSuccess, nil)
	st.FlowJobsResults = append(st.FlowJobsResults, nil)
	st.Iterator.Index = i
	r.push(j)
}

// record stores a child's outcome in its slot and returns the value kept as
// its result: the output, or the error object for failures.
func record(st *api.FlowStatusModule, slot int, out api.Outcome) json.RawMessage {
	ok := !out.Failed()
	res := out.Result
	if !ok {
		res = out.Err.JSON()
	}
	if len(res) == 0 {
		res = json.RawMessage("null")
	}
	st.FlowJobsSuccess[slot] = &ok
	st.FlowJobsResults[slot] = res
	st.Completed++
	return res
}

func (r *run) loopChildDone(idx, slot int, out api.Outcome) {
	mod, st := r.module(idx)
	v := mod.Value
	res := record(st, slot, out)

	if st.Parallel {
		if next := len(st.FlowJobs); next < len(st.Iterator.Itered) {
			r.pushIteration(idx, next, st.Iterator.Itered[next], r.previousOf(idx), r.now)
		}
		if st.Completed < len(st.Iterator.Itered) {
			return
		}
		if !v.SkipFailures {
			if jerr := firstFailure(st, nil); jerr != nil {
				r.moduleFailed(idx, jerr)
				return
			}
		}
		r.succeed(idx, resultsArray(st.FlowJobsResults))
		return
	}

	if out.Failed() && !v.SkipFailures {
		r.moduleFailed(idx, out.Err)
		return
	}

	next := len(st.FlowJobs)
	if v.Type == api.ModuleWhileLoop {
		results := st.FlowJobsResults
		stop := false
		if mod.StopAfterIf != nil {
			env := r.env(res)
			env.Result = decode(res)
			var err error
			if stop, err = r.m.eval.Bool(mod.ID, mod.StopAfterIf.Expr, env); err != nil {
				r.abort(idx, err)
				return
			}
			if stop && mod.StopAfterIf.SkipIfStopped {
				results = results[:len(results)-1]
			}
		}
		if !stop && v.MaxIterations > 0 && st.Completed >= v.MaxIterations {
			stop = true
		}
		if stop {
			r.succeed(idx, resultsArray(results))
			return
		}
		r.pushIteration(idx, next, json.RawMessage(strconv.Itoa(next)), r.previousOf(idx), r.now)
		return
	}

	if next < len(st.Iterator.Itered) {
		r.pushIteration(idx, next, st.Iterator.Itered[next], r.previousOf(idx), r.now)
		return
	}
	r.succeed(idx, resultsArray(st.FlowJobsResults))
}

func (r *run) startBranchAll(idx int, prev json.RawMessage, at time.Time) {
	mod, st := r.module(idx)
	branches := mod.Value.Branches
	if len(branches) == 0 {
		r.succeed(idx, json.RawMessage("[]"))
		return
	}
	st.Type = api.StateInProgress
	st.Parallel = mod.Value.Parallel
	st.BranchAll = &api.BranchAllStatus{Len: len(branches)}

	n := 1
	if st.Parallel {
		n = len(branches)
	}
	for i := 0; i < n; i++ {
		r.pushBranch(idx, i, prev, at)
	}
}

func (r *run) pushBranch(idx, i int, prev json.RawMessage, at time.Time) {
	mod, st := r.module(idx)
	j := r.subflowJob(mod, mod.Value.Branches[i].Modules, r.job.Args, prev, at)
	st.FlowJobs = append(st.FlowJobs, j.ID)
	st.FlowJobsSuccess = append(st.FlowJobsSuccess, nil)
	st.FlowJobsResults = append(st.FlowJobsResults, nil)
	r.push(j)
}

func (r *run) branchAllChildDone(idx, slot int, out api.Outcome) {
	mod, st := r.module(idx)
	branches := mod.Value.Branches
	record(st, slot, out)

	if st.Parallel {
		if st.Completed < len(branches) {
			return
		}
		if jerr := firstFailure(st, func(i int) bool { return branches[i].SkipFailure }); jerr != nil {
			r.moduleFailed(idx, jerr)
			return
		}
		r.succeed(idx, resultsArray(st.FlowJobsResults))
		return
	}

	if out.Failed() && !branches[slot].SkipFailure {
		r.moduleFailed(idx, out.Err)
		return
	}
	st.BranchAll.Branch = slot + 1
	if slot+1 < len(branches) {
		r.pushBranch(idx, slot+1, r.previousOf(idx), r.now)
		return
	}
	r.succeed(idx, resultsArray(st.FlowJobsResults))
}

// firstFailure returns the error of the lowest failed slot that may not be
// skipped.
func firstFailure(st *api.FlowStatusModule, skippable func(int) bool) *api.JobError {
	for i, ok := range st.FlowJobsSuccess {
		if ok == nil || *ok || (skippable != nil && skippable(i)) {
			continue
		}
		var wrapped struct {
			Error *api.JobError `json:"error"`
		}
		if err := json.Unmarshal(st.FlowJobsResults[i], &wrapped); err == nil && wrapped.Error != nil {
			return wrapped.Error
		}
		return &api.JobError{Kind: api.ErrKindExecution, Message: "iteration " + strconv.Itoa(i) + " failed"}
	}
	return nil
}

func resultsArray(results []json.RawMessage) json.RawMessage {
	if len(results) == 0 {
		return json.RawMessage("[]")
	}
	b, err := json.Marshal(results)
	if err != nil {
		return json.RawMessage("[]")
	}
	return b
}
