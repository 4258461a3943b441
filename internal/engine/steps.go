package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ShayCichocki/steward/internal/budget"
	"github.com/ShayCichocki/steward/internal/graph"
	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/pkg/models"
)

// plan asks the planner for a plan, validates it and orders it by
// dependencies. Planner failures and invalid plans fail the run.
func (d *Dispatcher) plan(ctx context.Context, r *run) {
	st := r.state

	if st.Plan == nil {
		var plan *models.Plan
		err := d.invoke(ctx, "planner", func(ctx context.Context) error {
			p, err := d.workers.Planner.Plan(ctx, st.Goal)
			plan = p
			return err
		})
		if err != nil {
			d.syncUsage(r)
			d.fail(st, fmt.Sprintf("plan: %v", err))
			return
		}
		if plan == nil {
			plan = &models.Plan{}
		}
		st.Plan = plan
		if d.checkBudget(ctx, r) {
			return
		}
	}

	if st.Plan.Len() == 0 {
		log.Printf("[dispatcher] %s: planner returned no subtasks", st.ThreadID)
		st.Verdict = &models.Verdict{Passed: true, Summary: "plan has no subtasks"}
		st.Status = models.RunCompleted
		return
	}

	if err := st.Plan.Validate(d.opts.bounds); err != nil {
		d.fail(st, err.Error())
		return
	}
	if err := d.checkWorkers(st.Plan); err != nil {
		d.fail(st, err.Error())
		return
	}
	ordered, err := graph.Order(st.Plan)
	if err != nil {
		d.fail(st, fmt.Sprintf("invalid plan: %v", err))
		return
	}

	st.Plan = ordered
	st.Index = 0
	st.Status = models.RunExecuting
	d.opts.logger.Event(st.ThreadID, "plan", "subtasks", ordered.Len())
}

// checkWorkers fails a plan that needs a worker the dispatcher lacks.
func (d *Dispatcher) checkWorkers(plan *models.Plan) error {
	var missing []string
	need := func(ok bool, what string) {
		if !ok {
			missing = append(missing, what)
		}
	}
	for _, sub := range plan.Subtasks {
		switch sub.Category {
		case models.CategoryCode:
			need(d.workers.CodeGenerator != nil, "code generator")
			need(d.workers.Verifier != nil, "verifier")
		case models.CategoryResearch:
			need(d.workers.Researcher != nil, "researcher")
		case models.CategorySystemAction:
			need(d.workers.Actions != nil, "action runner")
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("plan needs workers that are not configured: %s", strings.Join(unique(missing), ", "))
}

// codeStep runs one generate/verify attempt for the current code subtask.
// A failed attempt leaves the run on the same subtask with Retries
// incremented; once retries are exhausted the subtask escalates.
func (d *Dispatcher) codeStep(ctx context.Context, r *run, sub models.Subtask) (*hitl.PendingDecision, error) {
	st := r.state
	if st.Retries >= d.opts.maxRetries {
		return d.exhaust(ctx, r, sub)
	}

	if pending, err := d.gate(ctx, r, sub, hitl.OpArtifactGeneration); pending != nil || err != nil {
		return pending, err
	}
	if st.Retries == 0 {
		d.snapshot(r, fmt.Sprintf("before %s codegen", sub.ID))
	}

	st.Status = models.RunExecuting
	view := d.view(st)
	var artifact *models.Artifact
	err := d.invoke(ctx, "code generator", func(ctx context.Context) error {
		a, err := d.workers.CodeGenerator.Generate(ctx, view)
		artifact = a
		return err
	})
	if err == nil && artifact == nil {
		err = errors.New("code generator returned no artifact")
	}
	if err != nil {
		log.Printf("[dispatcher] %s: generate %s (attempt %d): %v", st.ThreadID, sub.ID, st.Retries+1, err)
		st.Feedback = err.Error()
		st.Retries++
		d.budgetStop(ctx, r)
		return nil, nil
	}
	st.Artifact = artifact
	if d.budgetStop(ctx, r) {
		return nil, nil
	}

	st.Status = models.RunVerifying
	view = d.view(st)
	var v *Verification
	err = d.invoke(ctx, "verifier", func(ctx context.Context) error {
		res, err := d.workers.Verifier.Verify(ctx, view, artifact)
		v = res
		return err
	})
	if err == nil && v == nil {
		err = errors.New("verifier returned no verification")
	}
	if err != nil {
		v = &Verification{Feedback: err.Error()}
	}

	if v.Passed {
		d.advance(st, models.SubtaskResult{
			SubtaskID: sub.ID,
			Category:  sub.Category,
			Passed:    true,
			Payload:   models.ResultPayload{Artifact: artifact, Output: v.Output},
			Attempts:  st.Retries + 1,
		})
	} else {
		st.Retries++
		st.Feedback = v.Feedback
		st.Status = models.RunExecuting
		d.opts.logger.Event(st.ThreadID, "verify_failed", "subtask", sub.ID, "attempt", st.Retries, "feedback", v.Feedback)
	}
	d.budgetStop(ctx, r)
	return nil, nil
}

// exhaust records a forced failure for a code subtask whose retries ran
// out, after an operator has ruled on the escalation when HITL asks for it.
func (d *Dispatcher) exhaust(ctx context.Context, r *run, sub models.Subtask) (*hitl.PendingDecision, error) {
	if pending, err := d.gate(ctx, r, sub, hitl.OpVerificationEscalation); pending != nil || err != nil {
		return pending, err
	}
	st := r.state
	msg := fmt.Sprintf("verification failed after %d attempts", st.Retries)
	if st.Feedback != "" {
		msg += ": " + st.Feedback
	}
	log.Printf("[dispatcher] %s: %s %s", st.ThreadID, sub.ID, msg)
	d.advance(st, models.SubtaskResult{
		SubtaskID: sub.ID,
		Category:  sub.Category,
		Payload:   models.ResultPayload{Artifact: st.Artifact},
		Error:     msg,
		Attempts:  st.Retries,
	})
	return nil, nil
}

func (d *Dispatcher) researchStep(ctx context.Context, r *run, sub models.Subtask) (*hitl.PendingDecision, error) {
	st := r.state
	st.Status = models.RunExecuting
	view := d.view(st)

	var text string
	err := d.invoke(ctx, "researcher", func(ctx context.Context) error {
		t, err := d.workers.Researcher.Research(ctx, view)
		text = t
		return err
	})
	res := models.SubtaskResult{
		SubtaskID: sub.ID,
		Category:  sub.Category,
		Passed:    err == nil,
		Payload:   models.ResultPayload{Text: text},
		Attempts:  1,
	}
	if err != nil {
		res.Error = err.Error()
	}
	d.advance(st, res)
	d.budgetStop(ctx, r)
	return nil, nil
}

func (d *Dispatcher) actionStep(ctx context.Context, r *run, sub models.Subtask) (*hitl.PendingDecision, error) {
	st := r.state
	if pending, err := d.gate(ctx, r, sub, hitl.OpWorkerInvocation); pending != nil || err != nil {
		return pending, err
	}

	args := d.arguments(st, sub)
	snapID := ""
	if risk, _ := d.classifier().ClassifyAction(sub.Action, args); risk.AtLeast(hitl.RiskMedium) {
		snapID = d.snapshot(r, fmt.Sprintf("before %s %s", sub.ID, sub.Action))
	}

	st.Status = models.RunExecuting
	view := d.view(st)
	var outcome string
	err := d.invoke(ctx, "action runner", func(ctx context.Context) error {
		o, err := d.workers.Actions.Run(ctx, view, sub.Action, models.CloneArguments(args))
		outcome = o
		return err
	})

	res := models.SubtaskResult{
		SubtaskID: sub.ID,
		Category:  sub.Category,
		Passed:    err == nil,
		Payload:   models.ResultPayload{Outcome: outcome},
		Attempts:  1,
	}
	if err != nil {
		res.Error = err.Error()
		if d.opts.rollbackOnActionFailure && snapID != "" {
			if _, rbErr := r.snapshots.RollbackTo(snapID); rbErr != nil {
				log.Printf("[dispatcher] %s: rollback after failed %s: %v", st.ThreadID, sub.Action, rbErr)
			} else {
				res.Error += " (workspace rolled back)"
			}
		}
	}
	d.advance(st, res)
	d.budgetStop(ctx, r)
	return nil, nil
}

// reflect issues the final verdict.
func (d *Dispatcher) reflect(ctx context.Context, r *run) {
	st := r.state

	var verdict *models.Verdict
	if d.workers.Reflector == nil {
		verdict = defaultVerdict(st.Results)
	} else {
		plan := st.Plan.Clone()
		results := st.Clone().Results
		err := d.invoke(ctx, "reflector", func(ctx context.Context) error {
			v, err := d.workers.Reflector.Reflect(ctx, st.Goal, plan, results)
			verdict = v
			return err
		})
		if err == nil && verdict == nil {
			err = errors.New("reflector returned no verdict")
		}
		if err != nil {
			verdict = &models.Verdict{Summary: fmt.Sprintf("reflection failed: %v", err)}
		}
		st.Verdict = verdict
		if d.budgetStop(ctx, r) {
			return
		}
	}

	st.Verdict = verdict
	if verdict.Passed {
		st.Status = models.RunCompleted
		return
	}
	d.fail(st, "verdict: "+verdict.Summary)
}

// defaultVerdict passes iff every subtask passed.
func defaultVerdict(results []models.SubtaskResult) *models.Verdict {
	var unmet []string
	for _, res := range results {
		if !res.Passed {
			unmet = append(unmet, res.SubtaskID)
		}
	}
	if len(unmet) == 0 {
		return &models.Verdict{Passed: true, Summary: fmt.Sprintf("all %d subtasks passed", len(results))}
	}
	return &models.Verdict{
		Summary: fmt.Sprintf("%d of %d subtasks failed: %s", len(unmet), len(results), strings.Join(unmet, ", ")),
		Unmet:   unmet,
	}
}

// advance records the current subtask's result and moves to the next one.
func (d *Dispatcher) advance(st *models.RunState, res models.SubtaskResult) {
	res.CompletedAt = d.opts.now()
	st.Results = append(st.Results, res)
	st.Index++
	st.Retries = 0
	st.Feedback = ""
	st.Artifact = nil
	st.ClearedGate = ""
	st.GateArguments = nil

	if st.Index >= st.Plan.Len() {
		st.Status = models.RunReflecting
	} else {
		st.Status = models.RunExecuting
	}
	d.opts.logger.Event(st.ThreadID, "advance", "subtask", res.SubtaskID, "passed", res.Passed, "attempts", res.Attempts)
}

func (d *Dispatcher) fail(st *models.RunState, reason string) {
	st.Status = models.RunFailed
	st.Error = reason
	log.Printf("[dispatcher] run %s failed: %s", st.ThreadID, reason)
}

// invoke calls a worker with the per-call timeout. A panicking worker is
// reported as an error.
func (d *Dispatcher) invoke(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.workerTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", name, p)
			log.Printf("[dispatcher] %v", err)
		}
	}()
	return fn(callCtx)
}

// budgetStop counts a worker invocation and reports whether the budget
// enforcer stopped the run.
func (d *Dispatcher) budgetStop(ctx context.Context, r *run) bool {
	r.state.Iterations++
	return d.checkBudget(ctx, r)
}

// checkBudget syncs usage and the interrupt flag onto the state and fails
// the run when a budget trips. A cancelled context counts as an interrupt.
func (d *Dispatcher) checkBudget(ctx context.Context, r *run) bool {
	st := r.state
	d.syncUsage(r)
	if ctx.Err() != nil {
		r.interrupted.Store(true)
	}
	st.Interrupted = r.interrupted.Load()

	if stop, reason := d.opts.enforcer.ShouldStop(st); stop {
		d.fail(st, reason)
		return true
	}
	if !r.warned && d.opts.enforcer.Status(st) == budget.StatusWarning {
		r.warned = true
		left := remainingSummary(d.opts.enforcer.Remaining(st))
		log.Printf("[dispatcher] %s: budget warning: %s", st.ThreadID, left)
		d.opts.logger.Event(st.ThreadID, "budget_warning", "left", left)
	}
	return false
}

// remainingSummary describes the limited budget dimensions still available.
func remainingSummary(rem budget.Remaining) string {
	var parts []string
	if rem.Iterations >= 0 {
		parts = append(parts, fmt.Sprintf("%d iterations", rem.Iterations))
	}
	if rem.Tokens >= 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", rem.Tokens))
	}
	if rem.Duration >= 0 {
		parts = append(parts, rem.Duration.Round(time.Second).String())
	}
	if len(parts) == 0 {
		return "no limits"
	}
	return strings.Join(parts, ", ") + " left"
}

// beginUsage pins the point from which ledger totals are added to the
// usage already on the state.
func (d *Dispatcher) beginUsage(r *run) {
	r.baseUsage = r.state.Usage
	r.baseRoles = copyUsage(r.state.UsageByRole)
	if d.opts.ledger == nil {
		return
	}
	r.ledgerEpoch = d.opts.ledger.Epoch(r.state.ThreadID)
	r.ledgerBase = d.opts.ledger.Totals(r.state.ThreadID)
	r.ledgerRole = d.opts.ledger.ByRole(r.state.ThreadID)
}

func (d *Dispatcher) syncUsage(r *run) {
	if d.opts.ledger == nil {
		return
	}
	st := r.state
	if epoch := d.opts.ledger.Epoch(st.ThreadID); epoch != r.ledgerEpoch {
		// The session was cleared in the ledger. Keep what was already
		// counted and measure from zero.
		r.baseUsage = st.Usage
		r.baseRoles = copyUsage(st.UsageByRole)
		r.ledgerBase = models.Usage{}
		r.ledgerRole = nil
		r.ledgerEpoch = epoch
	}
	st.Usage = r.baseUsage.Add(subUsage(d.opts.ledger.Totals(st.ThreadID), r.ledgerBase))

	roles := copyUsage(r.baseRoles)
	if roles == nil {
		roles = make(map[string]models.Usage)
	}
	for role, u := range d.opts.ledger.ByRole(st.ThreadID) {
		roles[role] = roles[role].Add(subUsage(u, r.ledgerRole[role]))
	}
	st.UsageByRole = roles
}

func (d *Dispatcher) snapshot(r *run, label string) string {
	if r.snapshots == nil {
		return ""
	}
	id, err := r.snapshots.Create(r.state, label)
	if err != nil {
		log.Printf("[dispatcher] %s: snapshot %q: %v", r.state.ThreadID, label, err)
		return ""
	}
	return id
}

// view is the state clone handed to workers, with operator-modified
// arguments applied to the current subtask.
func (d *Dispatcher) view(st *models.RunState) *models.RunState {
	v := st.Clone()
	if v.GateArguments != nil && v.Plan != nil && v.Index < len(v.Plan.Subtasks) {
		v.Plan.Subtasks[v.Index].Arguments = models.CloneArguments(v.GateArguments)
	}
	return v
}

// arguments returns the effective arguments of the current subtask.
func (d *Dispatcher) arguments(st *models.RunState, sub models.Subtask) map[string]any {
	if st.GateArguments != nil {
		return st.GateArguments
	}
	return sub.Arguments
}

func (d *Dispatcher) classifier() *hitl.Classifier {
	if d.opts.classifier != nil {
		return d.opts.classifier
	}
	return hitl.NewClassifier(nil)
}

// subUsage returns a minus b, clamped at zero per field.
func subUsage(a, b models.Usage) models.Usage {
	return models.Usage{
		InputTokens:  max(a.InputTokens-b.InputTokens, 0),
		OutputTokens: max(a.OutputTokens-b.OutputTokens, 0),
		TotalTokens:  max(a.TotalTokens-b.TotalTokens, 0),
		Cost:         max(a.Cost-b.Cost, 0),
	}
}

func copyUsage(in map[string]models.Usage) map[string]models.Usage {
	if in == nil {
		return nil
	}
	out := make(map[string]models.Usage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
