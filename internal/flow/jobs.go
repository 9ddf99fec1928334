package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/petrijr/jobflow/pkg/api"
)

// child returns the fields every job pushed by a flow shares.
func (r *run) child(mod api.FlowModule, kind api.JobKind, at time.Time) *api.QueuedJob {
	root := r.job.RootJob
	if root == "" {
		root = r.job.ID
	}
	prio := r.job.Priority
	if mod.Priority != 0 {
		prio = mod.Priority
	}
	return &api.QueuedJob{
		ID:                   r.m.newID(),
		WorkspaceID:          r.job.WorkspaceID,
		Kind:                 kind,
		Priority:             prio,
		CreatedAt:            r.now,
		ScheduledFor:         at,
		TimeoutSecs:          mod.TimeoutSecs,
		ParentJob:            r.job.ID,
		RootJob:              root,
		FlowInnermostRootJob: r.job.ID,
		Tag:                  api.DefaultTag(kind, ""),
	}
}

func (r *run) scriptJob(mod api.FlowModule, args json.RawMessage, at time.Time) *api.QueuedJob {
	v := mod.Value
	j := r.child(mod, api.KindScript, at)
	j.Language = v.Language
	j.Code = v.Content
	j.Args = args
	j.ScriptPath = v.Path
	if j.ScriptPath == "" {
		j.ScriptPath = r.job.ScriptPath + "/" + mod.ID
	}
	j.ScriptHash = ScriptHash(v.Content)
	j.Tag = v.Tag
	if j.Tag == "" {
		j.Tag = api.DefaultTag(api.KindScript, v.Language)
	}
	j.ConcurrencyKey = v.ConcurrencyKey
	j.ConcurrencyLimit = v.ConcurrencyLimit
	j.Dedicated = v.Dedicated
	return j
}

func (r *run) identityJob(mod api.FlowModule, prev json.RawMessage, at time.Time) *api.QueuedJob {
	if len(prev) == 0 {
		prev = json.RawMessage("null")
	}
	args, _ := json.Marshal(map[string]json.RawMessage{"previous_result": prev})
	j := r.child(mod, api.KindIdentity, at)
	j.Args = args
	j.ScriptPath = r.job.ScriptPath + "/" + mod.ID
	return j
}

// subflowJob pushes body as a flow of its own, seeded with this flow's
// context.
func (r *run) subflowJob(mod api.FlowModule, body []api.FlowModule, args, prev json.RawMessage, at time.Time) *api.QueuedJob {
	j := r.child(mod, api.KindFlow, at)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	j.Args = args
	j.ScriptPath = r.job.ScriptPath + "/" + mod.ID
	j.RawFlow = &api.FlowDefinition{
		Modules:        body,
		PreviousResult: prev,
		ParentResults:  r.visibleResults(),
	}
	return j
}

// withIter returns the flow input extended with the loop iteration.
func withIter(flowInput json.RawMessage, value json.RawMessage, index int) json.RawMessage {
	in := map[string]json.RawMessage{}
	if len(flowInput) > 0 {
		_ = json.Unmarshal(flowInput, &in)
	}
	iter, _ := json.Marshal(map[string]any{"value": value, "index": index})
	in["iter"] = iter
	b, _ := json.Marshal(in)
	return b
}

// ScriptHash identifies a script version; the dedicated worker pool respawns
// its process when the hash changes.
func ScriptHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
