package api

import "encoding/json"

// ModuleState is the state of one module inside a running flow.
type ModuleState string

const (
	StateWaitingForPriorSteps ModuleState = "WaitingForPriorSteps"
	StateWaitingForEvents     ModuleState = "WaitingForEvents"
	StateWaitingForExecutor   ModuleState = "WaitingForExecutor"
	StateInProgress           ModuleState = "InProgress"
	StateSuccess              ModuleState = "Success"
	StateFailure              ModuleState = "Failure"
)

// FlowStatus is the interpreter state embedded in a flow job.
type FlowStatus struct {
	// Step is the index of the current module. A value equal to
	// len(Modules) means the failure module is running.
	Step          int                     `json:"step"`
	Modules       []FlowStatusModule      `json:"modules"`
	FailureModule FlowStatusModule        `json:"failure_module"`
	Retry         map[string]*RetryStatus `json:"retry,omitempty"`

	// InitialResult is the previous_result seen by the first module. Sub-flows
	// spawned by loops and branches inherit their parent's last result.
	InitialResult json.RawMessage `json:"initial_result,omitempty"`

	// FailedWith keeps the error that sent the flow to its failure module.
	FailedWith *JobError `json:"failed_with,omitempty"`
}

// RetryStatus counts failed attempts of one module.
type RetryStatus struct {
	FailCount  int      `json:"fail_count"`
	FailedJobs []string `json:"failed_jobs,omitempty"`
}

// FlowStatusModule tracks one module.
type FlowStatusModule struct {
	Type ModuleState `json:"type"`
	ID   string      `json:"id"`
	Job  string      `json:"job,omitempty"`

	// Count is the number of approvals still required while WaitingForEvents.
	Count int `json:"count,omitempty"`

	Iterator *IteratorStatus `json:"iterator,omitempty"`

	// Fan-out bookkeeping for loops and branchall. FlowJobsSuccess and
	// FlowJobsResults are indexed like FlowJobs; Completed counts finished
	// children.
	FlowJobs        []string          `json:"flow_jobs,omitempty"`
	FlowJobsSuccess []*bool           `json:"flow_jobs_success,omitempty"`
	FlowJobsResults []json.RawMessage `json:"flow_jobs_results,omitempty"`
	Completed       int               `json:"completed,omitempty"`

	BranchChosen *BranchChosen    `json:"branch_chosen,omitempty"`
	BranchAll    *BranchAllStatus `json:"branchall,omitempty"`
	Parallel     bool             `json:"parallel,omitempty"`
	WhileLoop    bool             `json:"while_loop,omitempty"`

	Result        json.RawMessage `json:"result,omitempty"`
	Error         *JobError       `json:"error,omitempty"`
	Approvers     []Approval      `json:"approvers,omitempty"`
	FailedRetries []string        `json:"failed_retries,omitempty"`
	Skipped       bool            `json:"skipped,omitempty"`
}

// IteratorStatus tracks a for loop.
type IteratorStatus struct {
	Index  int               `json:"index"`
	Itered []json.RawMessage `json:"itered"`
}

// BranchChosen records which branchone arm ran.
type BranchChosen struct {
	Type   string `json:"type"` // "default" or "branch"
	Branch int    `json:"branch,omitempty"`
}

// BranchAllStatus tracks sequential branchall progress.
type BranchAllStatus struct {
	Branch int `json:"branch"`
	Len    int `json:"len"`
}

// Approval is one resume event delivered to a suspended flow.
type Approval struct {
	ResumeID int             `json:"resume_id"`
	Approver string          `json:"approver,omitempty"`
	Approved bool            `json:"approved"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewFlowStatus returns the initial status for def: every module waiting for
// its prior steps.
func NewFlowStatus(def *FlowDefinition) *FlowStatus {
	fs := &FlowStatus{
		Modules: make([]FlowStatusModule, len(def.Modules)),
		Retry:   map[string]*RetryStatus{},
	}
	for i, m := range def.Modules {
		fs.Modules[i] = FlowStatusModule{Type: StateWaitingForPriorSteps, ID: m.ID}
	}
	fs.FailureModule = FlowStatusModule{Type: StateWaitingForPriorSteps, ID: "failure"}
	if def.FailureModule != nil {
		fs.FailureModule.ID = def.FailureModule.ID
	}
	return fs
}

// Clone deep-copies the status.
func (fs *FlowStatus) Clone() *FlowStatus {
	if fs == nil {
		return nil
	}
	b, err := json.Marshal(fs)
	if err != nil {
		panic("api: flow status is not serializable: " + err.Error())
	}
	var cp FlowStatus
	if err := json.Unmarshal(b, &cp); err != nil {
		panic("api: flow status round trip: " + err.Error())
	}
	return &cp
}

// Current returns the status of the module at Step, or the failure module.
func (fs *FlowStatus) Current() *FlowStatusModule {
	if fs.Step >= 0 && fs.Step < len(fs.Modules) {
		return &fs.Modules[fs.Step]
	}
	return &fs.FailureModule
}

// InFailureModule reports whether the failure module is the current step.
func (fs *FlowStatus) InFailureModule() bool {
	return fs.Step >= len(fs.Modules)
}

// Owns reports whether jobID is a child job the module is waiting on.
func (m *FlowStatusModule) Owns(jobID string) (bool, int) {
	if m.Job == jobID && jobID != "" {
		return true, -1
	}
	for i, id := range m.FlowJobs {
		if id == jobID {
			return true, i
		}
	}
	return false, -1
}
