package engine

import (
	"context"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Workers receive a clone of the run state and return values. They must not
// retain the state after returning; the dispatcher applies their results.

// Planner turns a goal into a plan.
type Planner interface {
	Plan(ctx context.Context, goal string) (*models.Plan, error)
}

// CodeGenerator produces an artifact for the current code subtask. The
// state carries the previous verifier feedback in Feedback.
type CodeGenerator interface {
	Generate(ctx context.Context, st *models.RunState) (*models.Artifact, error)
}

// Verification is a verifier's judgement of an artifact.
type Verification struct {
	Passed bool
	// Feedback is handed back to the generator on failure.
	Feedback string
	// Output is the raw check output kept on the subtask result.
	Output string
}

// Verifier checks an artifact against the current subtask's criteria.
type Verifier interface {
	Verify(ctx context.Context, st *models.RunState, artifact *models.Artifact) (*Verification, error)
}

// Researcher answers a research subtask.
type Researcher interface {
	Research(ctx context.Context, st *models.RunState) (string, error)
}

// ActionRunner performs a named system action.
type ActionRunner interface {
	Run(ctx context.Context, st *models.RunState, action string, args map[string]any) (string, error)
}

// Reflector issues the final verdict from all subtask results.
type Reflector interface {
	Reflect(ctx context.Context, goal string, plan *models.Plan, results []models.SubtaskResult) (*models.Verdict, error)
}

// Workers bundles the collaborators the dispatcher routes subtasks to.
type Workers struct {
	Planner       Planner
	CodeGenerator CodeGenerator
	Verifier      Verifier
	Researcher    Researcher
	Actions       ActionRunner
	// Reflector is optional; without one the verdict passes iff every
	// subtask passed.
	Reflector Reflector
}

// Function adapters, handy for tests and small embeddings.

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, goal string) (*models.Plan, error)

func (f PlannerFunc) Plan(ctx context.Context, goal string) (*models.Plan, error) {
	return f(ctx, goal)
}

// StaticPlanner always returns a clone of the same plan.
func StaticPlanner(plan *models.Plan) Planner {
	return PlannerFunc(func(context.Context, string) (*models.Plan, error) {
		return plan.Clone(), nil
	})
}

// CodeGeneratorFunc adapts a function to CodeGenerator.
type CodeGeneratorFunc func(ctx context.Context, st *models.RunState) (*models.Artifact, error)

func (f CodeGeneratorFunc) Generate(ctx context.Context, st *models.RunState) (*models.Artifact, error) {
	return f(ctx, st)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, st *models.RunState, artifact *models.Artifact) (*Verification, error)

func (f VerifierFunc) Verify(ctx context.Context, st *models.RunState, artifact *models.Artifact) (*Verification, error) {
	return f(ctx, st, artifact)
}

// ResearcherFunc adapts a function to Researcher.
type ResearcherFunc func(ctx context.Context, st *models.RunState) (string, error)

func (f ResearcherFunc) Research(ctx context.Context, st *models.RunState) (string, error) {
	return f(ctx, st)
}

// ActionRunnerFunc adapts a function to ActionRunner.
type ActionRunnerFunc func(ctx context.Context, st *models.RunState, action string, args map[string]any) (string, error)

func (f ActionRunnerFunc) Run(ctx context.Context, st *models.RunState, action string, args map[string]any) (string, error) {
	return f(ctx, st, action, args)
}

// ReflectorFunc adapts a function to Reflector.
type ReflectorFunc func(ctx context.Context, goal string, plan *models.Plan, results []models.SubtaskResult) (*models.Verdict, error)

func (f ReflectorFunc) Reflect(ctx context.Context, goal string, plan *models.Plan, results []models.SubtaskResult) (*models.Verdict, error) {
	return f(ctx, goal, plan, results)
}
