package models

import (
	"fmt"
	"strings"
)

// Category identifies which worker pipeline a subtask is routed through.
type Category string

const (
	// CategoryCode subtasks run through the generate/verify loop.
	CategoryCode Category = "code"
	// CategoryResearch subtasks retrieve or summarize information.
	CategoryResearch Category = "research"
	// CategorySystemAction subtasks perform a named side-effecting action.
	CategorySystemAction Category = "system_action"
)

// Valid returns true if the category is a known value.
func (c Category) Valid() bool {
	switch c {
	case CategoryCode, CategoryResearch, CategorySystemAction:
		return true
	default:
		return false
	}
}

// Subtask is one unit of work within a Plan.
type Subtask struct {
	// ID is unique within the plan.
	ID string `json:"id" yaml:"id"`
	// Category selects the worker.
	Category Category `json:"category" yaml:"category"`
	// Description is the free-text instruction for the worker.
	Description string `json:"description" yaml:"description"`
	// DependsOn lists subtask IDs that must run before this one.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// AcceptanceCriteria are checked by the verifier and the reflector.
	AcceptanceCriteria []string `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	// Action is the action name for system_action subtasks.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	// Arguments are the action arguments for system_action subtasks.
	Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Clone returns a deep copy of the subtask.
func (s Subtask) Clone() Subtask {
	out := s
	out.DependsOn = cloneStrings(s.DependsOn)
	out.AcceptanceCriteria = cloneStrings(s.AcceptanceCriteria)
	out.Arguments = CloneArguments(s.Arguments)
	return out
}

// Plan is the ordered list of subtasks produced once per run.
type Plan struct {
	Subtasks           []Subtask `json:"subtasks" yaml:"subtasks"`
	AcceptanceCriteria []string  `json:"acceptance_criteria" yaml:"acceptance_criteria"`
}

// Len returns the number of subtasks, tolerating a nil plan.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Subtasks)
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{
		Subtasks:           make([]Subtask, len(p.Subtasks)),
		AcceptanceCriteria: cloneStrings(p.AcceptanceCriteria),
	}
	for i, s := range p.Subtasks {
		out.Subtasks[i] = s.Clone()
	}
	return out
}

// Find returns the subtask with the given ID.
func (p *Plan) Find(id string) (Subtask, bool) {
	if p == nil {
		return Subtask{}, false
	}
	for _, s := range p.Subtasks {
		if s.ID == id {
			return s, true
		}
	}
	return Subtask{}, false
}

// Bounds limits how many subtasks a plan may contain.
type Bounds struct {
	Min int
	Max int
}

// DefaultBounds allows between 1 and 20 subtasks.
var DefaultBounds = Bounds{Min: 1, Max: 20}

// PlanError collects every validation problem found in a plan.
type PlanError struct {
	Problems []string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Problems, "; "))
}

func (e *PlanError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks the structural invariants of the plan. Dependency cycles
// are detected separately by the graph package. Returns *PlanError.
func (p *Plan) Validate(b Bounds) error {
	if p == nil {
		return &PlanError{Problems: []string{"plan is nil"}}
	}

	perr := &PlanError{}
	n := len(p.Subtasks)
	if b.Min > 0 && n < b.Min {
		perr.add("plan has %d subtasks, minimum is %d", n, b.Min)
	}
	if b.Max > 0 && n > b.Max {
		perr.add("plan has %d subtasks, maximum is %d", n, b.Max)
	}
	if len(nonEmpty(p.AcceptanceCriteria)) == 0 {
		perr.add("plan has no acceptance criteria")
	}

	ids := make(map[string]bool, n)
	for i, s := range p.Subtasks {
		if s.ID == "" {
			perr.add("subtask %d has an empty id", i)
			continue
		}
		if ids[s.ID] {
			perr.add("duplicate subtask id %q", s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range p.Subtasks {
		if s.ID == "" {
			continue
		}
		if !s.Category.Valid() {
			perr.add("subtask %q has unknown category %q", s.ID, s.Category)
		}
		if s.Category == CategorySystemAction && strings.TrimSpace(s.Action) == "" {
			perr.add("subtask %q is a system action without an action name", s.ID)
		}
		if len(nonEmpty(s.AcceptanceCriteria)) == 0 {
			perr.add("subtask %q has no acceptance criteria", s.ID)
		}
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				perr.add("subtask %q depends on itself", s.ID)
				continue
			}
			if !ids[dep] {
				perr.add("subtask %q depends on unknown subtask %q", s.ID, dep)
			}
		}
	}

	if len(perr.Problems) > 0 {
		return perr
	}
	return nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// CloneArguments deep-copies an argument map, including nested maps and
// slices produced by JSON or YAML decoding.
func CloneArguments(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneArguments(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return cloneStrings(t)
	default:
		return v
	}
}
