package state

import (
	"context"
	"testing"
	"time"

	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/pkg/models"
)

func testCheckpoint() *Checkpoint {
	st := models.NewRunState("t1", "goal", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st.Plan = &models.Plan{
		Subtasks: []models.Subtask{{
			ID:        "s1",
			Category:  models.CategorySystemAction,
			Action:    "write_file",
			Arguments: map[string]any{"path": "x", "content": "y"},
		}},
		AcceptanceCriteria: []string{"x exists"},
	}
	st.Status = models.RunExecuting
	return &Checkpoint{
		State: st,
		Pending: &hitl.PendingDecision{
			ThreadID:       "t1",
			Operation:      hitl.OpWorkerInvocation,
			SubtaskID:      "s1",
			RiskLevel:      hitl.RiskMedium,
			Details:        map[string]any{"action": "write_file"},
			AvailableVerbs: hitl.VerbsFor(hitl.OpWorkerInvocation),
		},
	}
}

func checkpointers(t *testing.T) map[string]Checkpointer {
	return map[string]Checkpointer{
		"sqlite": setupTestDB(t),
		"memory": NewMemoryCheckpointer(),
	}
}

func TestCheckpointer_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, cp := range checkpointers(t) {
		t.Run(name, func(t *testing.T) {
			if got, err := cp.Get(ctx, "t1"); err != nil || got != nil {
				t.Fatalf("Get(empty) = %v, %v; want nil, nil", got, err)
			}

			if err := cp.Put(ctx, "t1", testCheckpoint()); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			got, err := cp.Get(ctx, "t1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.State.Goal != "goal" || got.State.Plan.Subtasks[0].Arguments["content"] != "y" {
				t.Errorf("state = %+v", got.State)
			}
			if got.Pending == nil || got.Pending.Operation != hitl.OpWorkerInvocation || len(got.Pending.AvailableVerbs) != 4 {
				t.Errorf("pending = %+v", got.Pending)
			}

			// Replace with a checkpoint that has no pending decision.
			next := testCheckpoint()
			next.Pending = nil
			next.State.Index = 1
			if err := cp.Put(ctx, "t1", next); err != nil {
				t.Fatal(err)
			}
			got, _ = cp.Get(ctx, "t1")
			if got.Pending != nil || got.State.Index != 1 {
				t.Errorf("replaced checkpoint = %+v", got)
			}

			if err := cp.Delete(ctx, "t1"); err != nil {
				t.Fatal(err)
			}
			if got, _ := cp.Get(ctx, "t1"); got != nil {
				t.Error("checkpoint should be deleted")
			}
		})
	}
}

func TestMemoryCheckpointer_Isolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryCheckpointer()
	in := testCheckpoint()
	if err := m.Put(ctx, "t1", in); err != nil {
		t.Fatal(err)
	}
	in.State.Goal = "mutated"

	got, _ := m.Get(ctx, "t1")
	if got.State.Goal != "goal" {
		t.Error("Put must store a copy")
	}
	got.State.Goal = "mutated again"
	again, _ := m.Get(ctx, "t1")
	if again.State.Goal != "goal" {
		t.Error("Get must return a copy")
	}
	if m.Puts() != 1 {
		t.Errorf("Puts() = %d, want 1", m.Puts())
	}
}
