package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/internal/protect"
	"github.com/ShayCichocki/steward/internal/snapshot"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

func hitlOptions(cp state.Checkpointer, kinds ...hitl.OperationKind) []Option {
	p := hitl.DefaultPolicy()
	if len(kinds) > 0 {
		p.Operations = make(map[hitl.OperationKind]bool, len(kinds))
		for _, k := range kinds {
			p.Operations[k] = true
		}
	}
	return []Option{WithCheckpointer(cp), WithHITL(p, hitl.NewClassifier(protect.New()))}
}

func TestGate_SuspendsBeforeAction(t *testing.T) {
	f := &fakes{}
	cp := state.NewMemoryCheckpointer()
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("w", models.CategorySystemAction))), hitlOptions(cp)...)

	pending := mustSuspend(t)(d.Start(context.Background(), "gate", "goal"))

	if pending.Operation != hitl.OpWorkerInvocation {
		t.Errorf("expected worker_invocation, got %s", pending.Operation)
	}
	if pending.RiskLevel != hitl.RiskMedium {
		t.Errorf("expected medium risk, got %s", pending.RiskLevel)
	}
	if pending.SubtaskID != "w" || pending.ThreadID != "gate" {
		t.Errorf("unexpected pending identity %+v", pending)
	}
	if len(pending.AvailableVerbs) != 4 {
		t.Errorf("expected 4 verbs, got %v", pending.AvailableVerbs)
	}
	if pending.Details["action"] != "write_file" {
		t.Errorf("expected action in details, got %v", pending.Details)
	}
	if len(f.ran) != 0 {
		t.Errorf("action must not run before a decision, ran %v", f.ran)
	}
	if cp.Puts() != 1 {
		t.Errorf("expected 1 checkpoint write at suspension, got %d", cp.Puts())
	}
	saved, _ := cp.Get(context.Background(), "gate")
	if saved == nil || saved.Pending == nil || saved.Pending.SubtaskID != "w" {
		t.Errorf("expected checkpoint with pending decision, got %+v", saved)
	}
}

func TestGate_SensitivePathIsHighRisk(t *testing.T) {
	f := &fakes{}
	sub := subtask("w", models.CategorySystemAction)
	sub.Arguments["path"] = ".env"
	d := newTestDispatcher(t, "", f.workers(testPlan(sub)), hitlOptions(state.NewMemoryCheckpointer())...)

	pending := mustSuspend(t)(d.Start(context.Background(), "", "goal"))
	if pending.RiskLevel != hitl.RiskHigh {
		t.Errorf("expected high risk for .env, got %s", pending.RiskLevel)
	}
}

func TestGate_LowRiskPassesThrough(t *testing.T) {
	f := &fakes{}
	sub := subtask("r", models.CategorySystemAction)
	sub.Action = "read_file"
	d := newTestDispatcher(t, "", f.workers(testPlan(sub)), hitlOptions(state.NewMemoryCheckpointer())...)

	rec := mustFinish(t)(d.Start(context.Background(), "", "goal"))
	if rec.Status != models.RunCompleted || len(f.ran) != 1 {
		t.Errorf("expected low-risk action to run without suspension, got %s ran=%v", rec.Status, f.ran)
	}
}

func TestResume_Approve(t *testing.T) {
	f := &fakes{}
	cp := state.NewMemoryCheckpointer()
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("w", models.CategorySystemAction))), hitlOptions(cp)...)

	mustSuspend(t)(d.Start(context.Background(), "ok", "goal"))
	rec := mustFinish(t)(d.Resume(context.Background(), "ok", hitl.Decision{Verb: hitl.VerbApprove}))

	if rec.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.Error)
	}
	if len(f.ran) != 1 {
		t.Errorf("expected exactly one action run, got %v", f.ran)
	}
	st, _ := d.State(context.Background(), "ok")
	if len(st.Decisions) != 1 || st.Decisions[0].Verb != "approve" {
		t.Errorf("expected one approve decision, got %+v", st.Decisions)
	}
	if p, _ := d.Pending(context.Background(), "ok"); p != nil {
		t.Errorf("expected no pending decision, got %+v", p)
	}
}

func TestInterrupt_CheckpointedRun(t *testing.T) {
	f := &fakes{}
	cp := state.NewMemoryCheckpointer()
	p := testPlan(subtask("w", models.CategorySystemAction), subtask("after", models.CategoryResearch))
	first := newTestDispatcher(t, "", f.workers(p), hitlOptions(cp)...)
	mustSuspend(t)(first.Start(context.Background(), "stored", "goal"))

	second := newTestDispatcher(t, "", f.workers(p), hitlOptions(cp)...)
	if err := second.Interrupt(context.Background(), "stored"); err != nil {
		t.Fatalf("Interrupt() on checkpointed run = %v", err)
	}
	rec := mustFinish(t)(second.Resume(context.Background(), "stored", hitl.Decision{Verb: hitl.VerbApprove}))

	if rec.Status != models.RunFailed || rec.Error != "run interrupted" {
		t.Errorf("expected interrupted failure, got %s %q", rec.Status, rec.Error)
	}
	if f.researched != 0 {
		t.Errorf("no subtask should start after the interrupt, researched %d", f.researched)
	}
}

func TestResume_DenyNeverInvokesAction(t *testing.T) {
	f := &fakes{}
	p := testPlan(subtask("w", models.CategorySystemAction), subtask("after", models.CategoryResearch))
	d := newTestDispatcher(t, "", f.workers(p), hitlOptions(state.NewMemoryCheckpointer())...)

	mustSuspend(t)(d.Start(context.Background(), "deny", "goal"))
	rec := mustFinish(t)(d.Resume(context.Background(), "deny", hitl.Decision{Verb: hitl.VerbDeny}))

	if len(f.ran) != 0 {
		t.Fatalf("denied action ran: %v", f.ran)
	}
	if len(rec.Results) != 2 {
		t.Fatalf("expected run to continue after denial, got %d results", len(rec.Results))
	}
	if rec.Results[0].Passed || rec.Results[0].Error != hitl.DeniedMessage {
		t.Errorf("expected denied result, got %+v", rec.Results[0])
	}
	if !rec.Results[1].Passed {
		t.Error("expected the next subtask to run")
	}
}

func TestResume_Abort(t *testing.T) {
	f := &fakes{}
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("w", models.CategorySystemAction))), hitlOptions(state.NewMemoryCheckpointer())...)

	mustSuspend(t)(d.Start(context.Background(), "abort", "goal"))
	rec := mustFinish(t)(d.Resume(context.Background(), "abort", hitl.Decision{Verb: "ABORT"}))

	if rec.Status != models.RunFailed || rec.Error != hitl.AbortedMessage {
		t.Errorf("expected aborted run, got %s %q", rec.Status, rec.Error)
	}
	if len(f.ran) != 0 || len(rec.Results) != 0 {
		t.Errorf("expected nothing to run, ran=%v results=%d", f.ran, len(rec.Results))
	}
}

func TestResume_ModifyReplacesArguments(t *testing.T) {
	f := &fakes{}
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("w", models.CategorySystemAction))), hitlOptions(state.NewMemoryCheckpointer())...)

	mustSuspend(t)(d.Start(context.Background(), "mod", "goal"))
	rec := mustFinish(t)(d.Resume(context.Background(), "mod", hitl.Decision{
		Verb:              hitl.VerbModify,
		ModifiedArguments: map[string]any{"path": "elsewhere.txt"},
	}))

	if rec.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if len(f.ranArgs) != 1 {
		t.Fatalf("expected one action run, got %d", len(f.ranArgs))
	}
	if f.ranArgs[0]["path"] != "elsewhere.txt" {
		t.Errorf("expected modified path, got %v", f.ranArgs[0]["path"])
	}
	if f.ranArgs[0]["content"] != "from w" {
		t.Errorf("expected unmodified arguments kept, got %v", f.ranArgs[0])
	}
}

func TestResume_InvalidDecisionReprompts(t *testing.T) {
	f := &fakes{}
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("w", models.CategorySystemAction))), hitlOptions(state.NewMemoryCheckpointer())...)
	mustSuspend(t)(d.Start(context.Background(), "bad", "goal"))

	tests := []struct {
		name string
		dec  hitl.Decision
		is   error
	}{
		{name: "unknown verb", dec: hitl.Decision{Verb: "maybe"}, is: hitl.ErrUnknownVerb},
		{name: "wrong operation", dec: hitl.Decision{Verb: hitl.VerbApprove, Operation: hitl.OpArtifactGeneration}},
		{name: "modify without arguments", dec: hitl.Decision{Verb: hitl.VerbModify}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := d.Resume(context.Background(), "bad", tt.dec)
			if err == nil {
				t.Fatal("expected error")
			}
			var derr *hitl.DecisionError
			if !errors.As(err, &derr) {
				t.Errorf("expected DecisionError, got %T", err)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("expected %v, got %v", tt.is, err)
			}
			if !out.IsSuspended() || out.Suspended.Problem == "" {
				t.Errorf("expected the same pending decision with a problem, got %+v", out)
			}
		})
	}

	if len(f.ran) != 0 {
		t.Fatalf("action ran after invalid decisions: %v", f.ran)
	}
	mustFinish(t)(d.Resume(context.Background(), "bad", hitl.Decision{Verb: hitl.VerbApprove}))
}

func TestResume_Errors(t *testing.T) {
	f := &fakes{}
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("r", models.CategoryResearch))), hitlOptions(state.NewMemoryCheckpointer())...)
	mustFinish(t)(d.Start(context.Background(), "done", "goal"))

	if _, err := d.Resume(context.Background(), "done", hitl.Decision{Verb: hitl.VerbApprove}); !errors.Is(err, ErrNotSuspended) {
		t.Errorf("expected ErrNotSuspended, got %v", err)
	}
	if _, err := d.Resume(context.Background(), "missing", hitl.Decision{Verb: hitl.VerbApprove}); !errors.Is(err, ErrUnknownThread) {
		t.Errorf("expected ErrUnknownThread, got %v", err)
	}
}

func TestResume_FromCheckpointInNewDispatcher(t *testing.T) {
	f := &fakes{}
	cp := state.NewMemoryCheckpointer()
	p := testPlan(subtask("look", models.CategoryResearch), subtask("w", models.CategorySystemAction, "look"))

	first := newTestDispatcher(t, "", f.workers(p), hitlOptions(cp)...)
	mustSuspend(t)(first.Start(context.Background(), "durable", "goal"))

	second := newTestDispatcher(t, "", f.workers(p), hitlOptions(cp)...)
	rec := mustFinish(t)(second.Resume(context.Background(), "durable", hitl.Decision{Verb: hitl.VerbApprove}))

	if rec.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.Error)
	}
	if f.researched != 1 {
		t.Errorf("research must not rerun on resume, ran %d times", f.researched)
	}
	if len(f.ran) != 1 {
		t.Errorf("expected one action run, got %v", f.ran)
	}
	if len(rec.Results) != 2 {
		t.Errorf("expected both results, got %d", len(rec.Results))
	}
	final, _ := cp.Get(context.Background(), "durable")
	if final == nil || final.Pending != nil || final.State.Status != models.RunCompleted {
		t.Errorf("expected final checkpoint without pending decision, got %+v", final)
	}
}

func TestGate_ArtifactGenerationClearsOncePerSubtask(t *testing.T) {
	f := &fakes{passOn: 2}
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("gen", models.CategoryCode))),
		hitlOptions(state.NewMemoryCheckpointer(), hitl.OpArtifactGeneration)...)

	pending := mustSuspend(t)(d.Start(context.Background(), "art", "goal"))
	if pending.Operation != hitl.OpArtifactGeneration {
		t.Fatalf("expected artifact_generation, got %s", pending.Operation)
	}
	if f.generated != 0 {
		t.Fatalf("generator ran before approval")
	}

	rec := mustFinish(t)(d.Resume(context.Background(), "art", hitl.Decision{Verb: hitl.VerbApprove}))
	if rec.Status != models.RunCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if f.generated != 2 {
		t.Errorf("expected 2 generate calls, got %d", f.generated)
	}
	st, _ := d.State(context.Background(), "art")
	if len(st.Decisions) != 1 {
		t.Errorf("retries must not re-suspend, got %d decisions", len(st.Decisions))
	}
}

func TestGate_VerificationEscalation(t *testing.T) {
	tests := []struct {
		name    string
		verb    hitl.Verb
		wantErr string
	}{
		{name: "approve forces failure", verb: hitl.VerbApprove, wantErr: "verification failed after 2 attempts"},
		{name: "deny", verb: hitl.VerbDeny, wantErr: hitl.DeniedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakes{failVerify: true}
			d := newTestDispatcher(t, "", f.workers(testPlan(subtask("gen", models.CategoryCode))),
				append(hitlOptions(state.NewMemoryCheckpointer(), hitl.OpVerificationEscalation), WithMaxRetries(2))...)

			pending := mustSuspend(t)(d.Start(context.Background(), "esc", "goal"))
			if pending.Operation != hitl.OpVerificationEscalation {
				t.Fatalf("expected escalation, got %s", pending.Operation)
			}
			if f.generated != 2 {
				t.Errorf("expected retries exhausted before escalation, got %d generates", f.generated)
			}
			if pending.Allows(hitl.VerbModify) {
				t.Error("escalation must not offer modify")
			}
			if pending.Details["attempts"] != 2 {
				t.Errorf("expected attempts in details, got %v", pending.Details)
			}

			rec := mustFinish(t)(d.Resume(context.Background(), "esc", hitl.Decision{Verb: tt.verb}))
			if len(rec.Results) != 1 || rec.Results[0].Passed {
				t.Fatalf("expected one failed result, got %+v", rec.Results)
			}
			if !strings.Contains(rec.Results[0].Error, tt.wantErr) {
				t.Errorf("expected %q in error, got %q", tt.wantErr, rec.Results[0].Error)
			}
			if f.generated != 2 {
				t.Errorf("no further attempts after escalation, got %d generates", f.generated)
			}
		})
	}
}

func TestRollback_RestoresStateAndWorkspace(t *testing.T) {
	ws := t.TempDir()
	f := &fakes{workspace: ws}
	p := testPlan(subtask("a", models.CategorySystemAction), subtask("b", models.CategorySystemAction))
	d := newTestDispatcher(t, ws, f.workers(p), WithSnapshots(true, snapshot.Options{}))

	mustFinish(t)(d.Start(context.Background(), "rb", "goal"))

	snaps, err := d.Snapshots(context.Background(), "rb")
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected a snapshot before each write, got %d", len(snaps))
	}

	restored, err := d.Rollback(context.Background(), "rb", "")
	if err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if restored == nil {
		t.Fatal("expected restored state")
	}
	if restored.Index != 1 || len(restored.Results) != 1 {
		t.Errorf("expected state before b, got index=%d results=%d", restored.Index, len(restored.Results))
	}
	if restored.Iterations != 2 {
		t.Errorf("expected spent iterations carried forward, got %d", restored.Iterations)
	}
	if _, err := os.Stat(filepath.Join(ws, "b.txt")); !os.IsNotExist(err) {
		t.Errorf("expected b.txt removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "a.txt")); err != nil {
		t.Errorf("expected a.txt kept: %v", err)
	}

	rec := mustFinish(t)(d.Continue(context.Background(), "rb"))
	if rec.Status != models.RunCompleted || len(rec.Results) != 2 {
		t.Errorf("expected completed rerun, got %s with %d results", rec.Status, len(rec.Results))
	}
	if _, err := os.Stat(filepath.Join(ws, "b.txt")); err != nil {
		t.Errorf("expected b.txt rewritten: %v", err)
	}
}

func TestRollback_RevokesApproval(t *testing.T) {
	ws := t.TempDir()
	f := &fakes{workspace: ws}
	opts := append(hitlOptions(state.NewMemoryCheckpointer()), WithSnapshots(true, snapshot.Options{}))
	d := newTestDispatcher(t, ws, f.workers(testPlan(subtask("w", models.CategorySystemAction))), opts...)

	mustSuspend(t)(d.Start(context.Background(), "again", "goal"))
	mustFinish(t)(d.Resume(context.Background(), "again", hitl.Decision{Verb: hitl.VerbApprove}))

	restored, err := d.Rollback(context.Background(), "again", "")
	if err != nil || restored == nil {
		t.Fatalf("Rollback() = %v, %v", restored, err)
	}
	if restored.ClearedGate != "" || restored.GateArguments != nil {
		t.Errorf("expected approval cleared, got gate=%q args=%v", restored.ClearedGate, restored.GateArguments)
	}

	pending := mustSuspend(t)(d.Continue(context.Background(), "again"))
	if pending.Operation != hitl.OpWorkerInvocation || pending.SubtaskID != "w" {
		t.Errorf("expected the action to need approval again, got %+v", pending)
	}
	if len(f.ran) != 1 {
		t.Errorf("action must not rerun before approval, ran %v", f.ran)
	}
}

func TestRollback_NoSnapshots(t *testing.T) {
	f := &fakes{}
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("r", models.CategoryResearch))), WithSnapshots(true, snapshot.Options{}))
	mustFinish(t)(d.Start(context.Background(), "none", "goal"))

	restored, err := d.Rollback(context.Background(), "none", "")
	if err != nil || restored != nil {
		t.Errorf("expected nil, nil without snapshots, got %v, %v", restored, err)
	}

	disabled := newTestDispatcher(t, "", f.workers(testPlan(subtask("r", models.CategoryResearch))))
	mustFinish(t)(disabled.Start(context.Background(), "off", "goal"))
	if _, err := disabled.Rollback(context.Background(), "off", ""); !errors.Is(err, ErrSnapshotsDisabled) {
		t.Errorf("expected ErrSnapshotsDisabled, got %v", err)
	}
}

func TestRollbackOnActionFailure(t *testing.T) {
	ws := t.TempDir()
	f := &fakes{workspace: ws, actionErr: errors.New("disk full")}
	d := newTestDispatcher(t, ws, f.workers(testPlan(subtask("w", models.CategorySystemAction))),
		WithSnapshots(true, snapshot.Options{}),
		WithRollbackOnActionFailure(true),
	)

	rec := mustFinish(t)(d.Start(context.Background(), "", "goal"))

	if rec.Results[0].Passed {
		t.Fatal("expected failed action")
	}
	if !strings.Contains(rec.Results[0].Error, "workspace rolled back") {
		t.Errorf("expected rollback noted, got %q", rec.Results[0].Error)
	}
	if _, err := os.Stat(filepath.Join(ws, "w.txt")); !os.IsNotExist(err) {
		t.Errorf("expected partial write removed, stat err = %v", err)
	}
}

func TestContinue_FinishedRun(t *testing.T) {
	f := &fakes{}
	d := newTestDispatcher(t, "", f.workers(testPlan(subtask("r", models.CategoryResearch))))
	mustFinish(t)(d.Start(context.Background(), "fin", "goal"))

	rec := mustFinish(t)(d.Continue(context.Background(), "fin"))
	if rec.Status != models.RunCompleted || f.researched != 1 {
		t.Errorf("expected the finished record without rerunning, got %s researched=%d", rec.Status, f.researched)
	}
}
