package jobflow

import (
	"encoding/json"
	"testing"

	"github.com/petrijr/jobflow/pkg/api"
)

func TestForEach_CollectsIterationResults(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		ForEach("each", Expr("flow_input.items"), NewFlow().
			Script("double", LangBash, "double", WithInput("n", Expr("flow_input.iter.value"))))

	assertResult(t, runFlow(t, r, ctx, flow, `{"items": [1, 2, 3]}`), `[2, 4, 6]`)
}

func TestParallelForEach_KeepsIterationOrder(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		ParallelForEach("each", Expr("flow_input.items"), 2, NewFlow().
			Script("double", LangBash, "double", WithInput("n", Expr("flow_input.iter.value"))))

	assertResult(t, runFlow(t, r, ctx, flow, `{"items": [5, 6, 7, 8]}`), `[10, 12, 14, 16]`)
}

func TestForEach_EmptyIterator(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		ForEach("each", Static([]int{}), NewFlow().Identity("body"))

	assertResult(t, runFlow(t, r, ctx, flow, `{}`), `[]`)
}

func TestForEach_FailingIteration(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		ForEach("each", Static([]int{1, 2}), NewFlow().Script("fail", LangBash, "fail"))

	v := runFlow(t, r, ctx, flow, `{}`)
	if v.Status != StatusFailure {
		t.Fatalf("expected failure, got %s", v.Status)
	}
}

func TestForEach_SkipFailuresKeepsGoing(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		ForEach("each", Static([]int{1, 2}), NewFlow().Script("fail", LangBash, "fail"), SkipFailures()).
		Script("after", LangBash, "double", WithInput("n", Static(2)))

	assertResult(t, runFlow(t, r, ctx, flow, `{}`), `4`)
}

func TestWhile_StopsWhenConditionHolds(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		While("loop", 10, NewFlow().
			Script("double", LangBash, "double", WithInput("n", Expr("flow_input.iter.index"))),
			StopAfterIf("result == 4", ""))

	assertResult(t, runFlow(t, r, ctx, flow, `{}`), `[0, 2, 4]`)
}

func TestWhile_MaxIterations(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().While("loop", 3, NewFlow().Identity("body"))

	v := runFlow(t, r, ctx, flow, `{}`)
	if v.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%+v)", v.Status, v.Error)
	}
	if got := string(v.Result); got == "" || got == "null" {
		t.Fatalf("expected iteration results, got %q", got)
	}
}

func TestBranchOne_PicksFirstMatchingBranch(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		Script("n", LangBash, "echo", WithInput("n", Expr("flow_input.n"))).
		BranchOne("pick", []api.Branch{
			When("previous_result.n > 10", NewFlow().Script("big", LangBash, "double", WithInput("n", Static(100)))),
			When("previous_result.n > 1", NewFlow().Script("medium", LangBash, "double", WithInput("n", Static(10)))),
		}, NewFlow().Script("small", LangBash, "double", WithInput("n", Static(1))))

	assertResult(t, runFlow(t, r, ctx, flow, `{"n": 5}`), `20`)
	assertResult(t, runFlow(t, r, ctx, flow, `{"n": 0}`), `2`)
}

func TestBranchAll_CollectsEveryArm(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		BranchAll("all", []api.Branch{
			Arm(NewFlow().Script("a", LangBash, "double", WithInput("n", Static(1))), false),
			Arm(NewFlow().Script("b", LangBash, "fail"), true),
			Arm(NewFlow().Script("c", LangBash, "double", WithInput("n", Static(3))), false),
		})

	v := runFlow(t, r, ctx, flow, `{}`)
	if v.Status != StatusSuccess {
		t.Fatalf("a skipped arm failure must not fail the flow, got %s (%+v)", v.Status, v.Error)
	}
	var res []any
	if err := json.Unmarshal(v.Result, &res); err != nil || len(res) != 3 {
		t.Fatalf("expected three arm results, got %s", v.Result)
	}
}

func TestSubFlow_ReturnsLastResult(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		SubFlow("inner", NewFlow().
			Script("a", LangBash, "double", WithInput("n", Static(2))).
			Script("b", LangBash, "double", WithInput("n", Expr("previous_result"))))

	assertResult(t, runFlow(t, r, ctx, flow, `{}`), `8`)
}

func TestSkipIf_SkipsModule(t *testing.T) {
	r, ctx := startRunner(t)

	flow := NewFlow().
		Script("a", LangBash, "double", WithInput("n", Static(3))).
		Script("skipped", LangBash, "fail", SkipIf("previous_result == 6"))

	assertResult(t, runFlow(t, r, ctx, flow, `{}`), `6`)
}
