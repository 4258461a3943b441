package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

// gateKey identifies one suspension point within a run.
func gateKey(op hitl.OperationKind, subtaskID string) string {
	return string(op) + "/" + subtaskID
}

// gate suspends the run before op on sub when the HITL policy asks for it.
// A gate the operator already cleared is passed through.
func (d *Dispatcher) gate(ctx context.Context, r *run, sub models.Subtask, op hitl.OperationKind) (*hitl.PendingDecision, error) {
	if !d.opts.policy.Enabled {
		return nil, nil
	}
	st := r.state
	if st.ClearedGate == gateKey(op, sub.ID) {
		return nil, nil
	}

	args := d.arguments(st, sub)
	var risk hitl.RiskLevel
	var reason string
	switch op {
	case hitl.OpWorkerInvocation:
		risk, reason = d.opts.classifier.ClassifyAction(sub.Action, args)
	case hitl.OpArtifactGeneration:
		risk, reason = d.opts.classifier.ClassifyArtifact(hitl.PathArgument(args))
	default:
		risk, reason = d.opts.classifier.ClassifyEscalation()
	}
	if !d.opts.policy.ShouldSuspend(op, risk) {
		return nil, nil
	}
	return d.suspend(ctx, r, op, sub, risk, reason)
}

// suspend checkpoints the run and emits a pending decision.
func (d *Dispatcher) suspend(ctx context.Context, r *run, op hitl.OperationKind, sub models.Subtask, risk hitl.RiskLevel, reason string) (*hitl.PendingDecision, error) {
	st := r.state
	p := &hitl.PendingDecision{
		ThreadID:       st.ThreadID,
		Operation:      op,
		SubtaskID:      sub.ID,
		RiskLevel:      risk,
		Reason:         reason,
		Details:        details(op, sub, st, d.arguments(st, sub)),
		Timestamp:      d.opts.now(),
		AvailableVerbs: hitl.VerbsFor(op),
	}

	if err := d.opts.checkpointer.Put(ctx, st.ThreadID, &state.Checkpoint{State: st.Clone(), Pending: p.Clone()}); err != nil {
		return nil, fmt.Errorf("checkpoint suspend point: %w", err)
	}
	r.pending = p
	d.saveRun(r)

	if d.opts.inbox != nil {
		if err := d.opts.inbox.Publish(p); err != nil {
			log.Printf("[dispatcher] %s: publish pending decision: %v", st.ThreadID, err)
		}
	}

	log.Printf("[dispatcher] %s suspended before %s on %s (%s risk)", st.ThreadID, op, sub.ID, risk)
	d.opts.logger.Event(st.ThreadID, "suspend", "op", op, "subtask", sub.ID, "risk", risk, "reason", reason)
	return p, nil
}

// details is what the operator sees about the operation.
func details(op hitl.OperationKind, sub models.Subtask, st *models.RunState, args map[string]any) map[string]any {
	switch op {
	case hitl.OpWorkerInvocation:
		return map[string]any{
			"action":      sub.Action,
			"arguments":   models.CloneArguments(args),
			"description": sub.Description,
		}
	case hitl.OpArtifactGeneration:
		return map[string]any{
			"description": sub.Description,
			"attempt":     st.Retries + 1,
			"path":        hitl.PathArgument(args),
			"feedback":    st.Feedback,
		}
	default:
		out := map[string]any{
			"attempts": st.Retries,
			"feedback": st.Feedback,
		}
		if st.Artifact != nil {
			out["artifact_path"] = st.Artifact.Path
		}
		return out
	}
}

// applyDecision records a validated decision and moves the run past the
// suspension point.
func (d *Dispatcher) applyDecision(r *run, dec hitl.Decision) {
	st := r.state
	p := r.pending
	r.pending = nil

	resumedAt := d.opts.now()
	st.Decisions = append(st.Decisions, models.DecisionRecord{
		Operation:   string(p.Operation),
		SubtaskID:   p.SubtaskID,
		RiskLevel:   string(p.RiskLevel),
		Verb:        string(dec.Verb),
		SuspendedAt: p.Timestamp,
		ResumedAt:   resumedAt,
	})
	log.Printf("[dispatcher] %s resumed with %s", st.ThreadID, dec.Verb)
	d.opts.logger.Event(st.ThreadID, "resume", "verb", dec.Verb, "op", p.Operation, "subtask", p.SubtaskID)

	sub, _ := st.Current()
	key := gateKey(p.Operation, p.SubtaskID)

	switch dec.Verb {
	case hitl.VerbApprove:
		st.ClearedGate = key
	case hitl.VerbModify:
		st.GateArguments = hitl.ApplyModification(d.arguments(st, sub), dec.ModifiedArguments)
		st.ClearedGate = key
	case hitl.VerbDeny:
		attempts := st.Retries
		if p.Operation == hitl.OpWorkerInvocation {
			attempts = 0
		}
		d.advance(st, models.SubtaskResult{
			SubtaskID: sub.ID,
			Category:  sub.Category,
			Payload:   models.ResultPayload{Artifact: st.Artifact},
			Error:     hitl.DeniedMessage,
			Attempts:  attempts,
		})
	case hitl.VerbAbort:
		d.fail(st, hitl.AbortedMessage)
	}
}
