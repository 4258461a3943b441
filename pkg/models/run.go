package models

import (
	"time"
)

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunPlanning   RunStatus = "planning"
	RunExecuting  RunStatus = "executing"
	RunVerifying  RunStatus = "verifying"
	RunReflecting RunStatus = "reflecting"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPlanning, RunExecuting, RunVerifying, RunReflecting, RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true once the run can make no further progress.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Usage is an accumulated token and cost count.
type Usage struct {
	InputTokens  int64   `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int64   `json:"output_tokens" yaml:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens" yaml:"total_tokens"`
	Cost         float64 `json:"cost" yaml:"cost"`
}

// Add returns the sum of two usage values.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
		Cost:         u.Cost + o.Cost,
	}
}

// Artifact is the output of a code-generation worker.
type Artifact struct {
	// Path is the workspace-relative location the artifact was written to.
	Path     string `json:"path" yaml:"path"`
	Content  string `json:"content" yaml:"content"`
	Language string `json:"language,omitempty" yaml:"language,omitempty"`
}

// ResultPayload carries the category-specific outcome of a subtask.
type ResultPayload struct {
	// Artifact and Output are set for code subtasks.
	Artifact *Artifact `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Output   string    `json:"output,omitempty" yaml:"output,omitempty"`
	// Text is set for research subtasks.
	Text string `json:"text,omitempty" yaml:"text,omitempty"`
	// Outcome is set for system_action subtasks.
	Outcome string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
}

// SubtaskResult is created once per subtask when its work terminates.
type SubtaskResult struct {
	SubtaskID   string        `json:"subtask_id" yaml:"subtask_id"`
	Category    Category      `json:"category" yaml:"category"`
	Passed      bool          `json:"passed" yaml:"passed"`
	Payload     ResultPayload `json:"payload" yaml:"payload"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts    int           `json:"attempts" yaml:"attempts"`
	CompletedAt time.Time     `json:"completed_at" yaml:"completed_at"`
}

// Verdict is the final pass/fail judgement issued by reflection.
type Verdict struct {
	Passed  bool     `json:"passed" yaml:"passed"`
	Summary string   `json:"summary" yaml:"summary"`
	Unmet   []string `json:"unmet,omitempty" yaml:"unmet,omitempty"`
}

// DecisionRecord is one completed suspend/resume round trip.
type DecisionRecord struct {
	Operation   string    `json:"operation" yaml:"operation"`
	SubtaskID   string    `json:"subtask_id" yaml:"subtask_id"`
	RiskLevel   string    `json:"risk_level" yaml:"risk_level"`
	Verb        string    `json:"verb" yaml:"verb"`
	SuspendedAt time.Time `json:"suspended_at" yaml:"suspended_at"`
	ResumedAt   time.Time `json:"resumed_at" yaml:"resumed_at"`
}

// RunState is the single mutable record threaded through a run. It is owned
// by the dispatcher; workers only ever see a Clone.
type RunState struct {
	ThreadID string    `json:"thread_id" yaml:"thread_id"`
	Goal     string    `json:"goal" yaml:"goal"`
	Plan     *Plan     `json:"plan,omitempty" yaml:"plan,omitempty"`
	Index    int       `json:"index" yaml:"index"`
	Status   RunStatus `json:"status" yaml:"status"`

	Results []SubtaskResult `json:"results" yaml:"results"`

	Artifact *Artifact `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Feedback string    `json:"feedback,omitempty" yaml:"feedback,omitempty"`
	Retries  int       `json:"retries" yaml:"retries"`

	// Iterations counts worker invocations across the whole run.
	Iterations  int              `json:"iterations" yaml:"iterations"`
	Usage       Usage            `json:"usage" yaml:"usage"`
	UsageByRole map[string]Usage `json:"usage_by_role,omitempty" yaml:"usage_by_role,omitempty"`

	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	Interrupted bool      `json:"interrupted" yaml:"interrupted"`

	// ClearedGate is the gate key an operator has already ruled on, and
	// GateArguments the arguments to use for it.
	ClearedGate   string           `json:"cleared_gate,omitempty" yaml:"cleared_gate,omitempty"`
	GateArguments map[string]any   `json:"gate_arguments,omitempty" yaml:"gate_arguments,omitempty"`
	Decisions     []DecisionRecord `json:"decisions,omitempty" yaml:"decisions,omitempty"`

	Verdict *Verdict `json:"verdict,omitempty" yaml:"verdict,omitempty"`
	Error   string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewRunState returns a fresh state in the planning status.
func NewRunState(threadID, goal string, now time.Time) *RunState {
	return &RunState{
		ThreadID:    threadID,
		Goal:        goal,
		Status:      RunPlanning,
		StartedAt:   now,
		UsageByRole: make(map[string]Usage),
	}
}

// Current returns the subtask in flight, if any.
func (s *RunState) Current() (Subtask, bool) {
	if s.Plan == nil || s.Index < 0 || s.Index >= len(s.Plan.Subtasks) {
		return Subtask{}, false
	}
	return s.Plan.Subtasks[s.Index], true
}

// Clone returns a deep copy of the state.
func (s *RunState) Clone() *RunState {
	if s == nil {
		return nil
	}
	out := *s
	out.Plan = s.Plan.Clone()
	if s.Results != nil {
		out.Results = make([]SubtaskResult, len(s.Results))
		for i, r := range s.Results {
			out.Results[i] = r.clone()
		}
	}
	if s.Artifact != nil {
		a := *s.Artifact
		out.Artifact = &a
	}
	if s.UsageByRole != nil {
		out.UsageByRole = make(map[string]Usage, len(s.UsageByRole))
		for k, v := range s.UsageByRole {
			out.UsageByRole[k] = v
		}
	}
	out.GateArguments = CloneArguments(s.GateArguments)
	if s.Decisions != nil {
		out.Decisions = make([]DecisionRecord, len(s.Decisions))
		copy(out.Decisions, s.Decisions)
	}
	if s.Verdict != nil {
		v := *s.Verdict
		v.Unmet = cloneStrings(s.Verdict.Unmet)
		out.Verdict = &v
	}
	return &out
}

func (r SubtaskResult) clone() SubtaskResult {
	out := r
	if r.Payload.Artifact != nil {
		a := *r.Payload.Artifact
		out.Payload.Artifact = &a
	}
	return out
}

// RunRecord is the externally visible summary of a finished run.
type RunRecord struct {
	ThreadID string          `json:"thread_id"`
	Goal     string          `json:"goal"`
	Status   RunStatus       `json:"status"`
	Results  []SubtaskResult `json:"results"`
	Verdict  *Verdict        `json:"verdict,omitempty"`
	Error    string          `json:"error,omitempty"`
	Usage    Usage           `json:"usage"`
	Duration time.Duration   `json:"duration"`
}

// Record summarizes the state as a RunRecord.
func (s *RunState) Record(now time.Time) *RunRecord {
	c := s.Clone()
	return &RunRecord{
		ThreadID: c.ThreadID,
		Goal:     c.Goal,
		Status:   c.Status,
		Results:  c.Results,
		Verdict:  c.Verdict,
		Error:    c.Error,
		Usage:    c.Usage,
		Duration: now.Sub(c.StartedAt),
	}
}
