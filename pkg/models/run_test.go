package models

import (
	"testing"
	"time"
)

func TestRunStatus_Terminal(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunPlanning, false},
		{RunExecuting, false},
		{RunVerifying, false},
		{RunReflecting, false},
		{RunCompleted, true},
		{RunFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if !tt.status.Valid() {
				t.Errorf("%q should be valid", tt.status)
			}
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
	if RunStatus("suspended").Valid() {
		t.Error("suspended must not be a status value")
	}
}

func TestUsage_Add(t *testing.T) {
	a := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, Cost: 0.5}
	b := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3, Cost: 0.25}
	got := a.Add(b)
	want := Usage{InputTokens: 11, OutputTokens: 7, TotalTokens: 18, Cost: 0.75}
	if got != want {
		t.Errorf("Add() = %+v, want %+v", got, want)
	}
}

func TestRunState_CloneIsDeep(t *testing.T) {
	s := NewRunState("t1", "goal", time.Now())
	s.Plan = &Plan{Subtasks: []Subtask{{ID: "a", Arguments: map[string]any{"k": "v"}}}}
	s.Results = []SubtaskResult{{SubtaskID: "a", Payload: ResultPayload{Artifact: &Artifact{Path: "p"}}}}
	s.Artifact = &Artifact{Path: "main.go"}
	s.UsageByRole["coder"] = Usage{TotalTokens: 5}
	s.GateArguments = map[string]any{"path": "x"}
	s.Decisions = []DecisionRecord{{Verb: "approve"}}
	s.Verdict = &Verdict{Unmet: []string{"c"}}

	c := s.Clone()
	c.Plan.Subtasks[0].Arguments["k"] = "changed"
	c.Results[0].Payload.Artifact.Path = "changed"
	c.Artifact.Path = "changed"
	c.UsageByRole["coder"] = Usage{TotalTokens: 99}
	c.GateArguments["path"] = "changed"
	c.Decisions[0].Verb = "deny"
	c.Verdict.Unmet[0] = "changed"

	if s.Plan.Subtasks[0].Arguments["k"] != "v" {
		t.Error("plan arguments shared")
	}
	if s.Results[0].Payload.Artifact.Path != "p" {
		t.Error("result artifact shared")
	}
	if s.Artifact.Path != "main.go" {
		t.Error("artifact shared")
	}
	if s.UsageByRole["coder"].TotalTokens != 5 {
		t.Error("usage map shared")
	}
	if s.GateArguments["path"] != "x" {
		t.Error("gate arguments shared")
	}
	if s.Decisions[0].Verb != "approve" {
		t.Error("decisions shared")
	}
	if s.Verdict.Unmet[0] != "c" {
		t.Error("verdict shared")
	}
}

func TestRunState_Current(t *testing.T) {
	s := NewRunState("t1", "goal", time.Now())
	if _, ok := s.Current(); ok {
		t.Error("Current() with no plan should be false")
	}
	s.Plan = &Plan{Subtasks: []Subtask{{ID: "a"}, {ID: "b"}}}
	s.Index = 1
	got, ok := s.Current()
	if !ok || got.ID != "b" {
		t.Errorf("Current() = %q, %v; want b, true", got.ID, ok)
	}
	s.Index = 2
	if _, ok := s.Current(); ok {
		t.Error("Current() past end should be false")
	}
}

func TestRunState_Record(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewRunState("t1", "goal", start)
	s.Status = RunCompleted
	s.Results = []SubtaskResult{{SubtaskID: "a", Passed: true}}

	rec := s.Record(start.Add(3 * time.Second))
	if rec.Duration != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", rec.Duration)
	}
	if rec.Status != RunCompleted || len(rec.Results) != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}
	rec.Results[0].SubtaskID = "changed"
	if s.Results[0].SubtaskID != "a" {
		t.Error("record shares results with state")
	}
}
