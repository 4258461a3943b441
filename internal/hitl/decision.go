package hitl

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Verb is an operator decision.
type Verb string

const (
	VerbApprove Verb = "approve"
	VerbDeny    Verb = "deny"
	VerbModify  Verb = "modify"
	VerbAbort   Verb = "abort"
)

// DeniedMessage is the error recorded on a subtask result when the operator
// denies its operation.
const DeniedMessage = "denied by operator"

// AbortedMessage is the run error recorded when the operator aborts.
const AbortedMessage = "aborted by operator"

// ErrUnknownVerb is returned for a verb outside the known set.
var ErrUnknownVerb = errors.New("unknown decision verb")

// ParseVerb parses a verb case-insensitively.
func ParseVerb(s string) (Verb, error) {
	v := Verb(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case VerbApprove, VerbDeny, VerbModify, VerbAbort:
		return v, nil
	}
	return "", fmt.Errorf("%w %q (expected approve, deny, modify or abort)", ErrUnknownVerb, s)
}

// VerbsFor returns the verbs valid for an operation kind.
func VerbsFor(kind OperationKind) []Verb {
	switch kind {
	case OpVerificationEscalation:
		return []Verb{VerbApprove, VerbDeny, VerbAbort}
	default:
		return []Verb{VerbApprove, VerbDeny, VerbModify, VerbAbort}
	}
}

// PendingDecision is emitted when a run suspends before a risky operation.
type PendingDecision struct {
	ThreadID       string         `json:"thread_id" yaml:"thread_id"`
	Operation      OperationKind  `json:"operation" yaml:"operation"`
	SubtaskID      string         `json:"subtask_id" yaml:"subtask_id"`
	RiskLevel      RiskLevel      `json:"risk_level" yaml:"risk_level"`
	Reason         string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Details        map[string]any `json:"details" yaml:"details"`
	Timestamp      time.Time      `json:"timestamp" yaml:"timestamp"`
	AvailableVerbs []Verb         `json:"available_verbs" yaml:"available_verbs"`
	// Problem is set when a previous resume attempt was rejected.
	Problem string `json:"problem,omitempty" yaml:"problem,omitempty"`
}

// Allows reports whether v is available for this decision.
func (p *PendingDecision) Allows(v Verb) bool {
	for _, av := range p.AvailableVerbs {
		if av == v {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p *PendingDecision) Clone() *PendingDecision {
	if p == nil {
		return nil
	}
	out := *p
	out.Details = models.CloneArguments(p.Details)
	out.AvailableVerbs = append([]Verb(nil), p.AvailableVerbs...)
	return &out
}

// Decision is the operator's answer to a PendingDecision.
type Decision struct {
	Verb      Verb          `json:"verb" yaml:"verb"`
	Operation OperationKind `json:"operation" yaml:"operation"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	// ModifiedArguments replaces the operation's arguments for VerbModify.
	ModifiedArguments map[string]any `json:"modified_arguments,omitempty" yaml:"modified_arguments,omitempty"`
}

// DecisionError explains why a decision was rejected. The run stays
// suspended on the same PendingDecision.
type DecisionError struct {
	Verb      Verb
	Operation OperationKind
	Reason    string
	Err       error
}

func (e *DecisionError) Error() string {
	if e.Verb == "" {
		return fmt.Sprintf("invalid decision for %s: %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("invalid decision %q for %s: %s", e.Verb, e.Operation, e.Reason)
}

func (e *DecisionError) Unwrap() error {
	return e.Err
}

// Validate checks a decision against the pending decision it answers.
func Validate(pending *PendingDecision, d Decision) error {
	if pending == nil {
		return errors.New("no pending decision")
	}
	verb, err := ParseVerb(string(d.Verb))
	if err != nil {
		return &DecisionError{Verb: d.Verb, Operation: pending.Operation, Reason: "unrecognized verb", Err: err}
	}
	if d.Operation != "" && d.Operation != pending.Operation {
		return &DecisionError{
			Verb:      verb,
			Operation: pending.Operation,
			Reason:    fmt.Sprintf("decision is for %s", d.Operation),
		}
	}
	if !pending.Allows(verb) {
		return &DecisionError{
			Verb:      verb,
			Operation: pending.Operation,
			Reason:    fmt.Sprintf("verb not available (allowed: %s)", joinVerbs(pending.AvailableVerbs)),
		}
	}
	if verb == VerbModify && len(d.ModifiedArguments) == 0 {
		return &DecisionError{Verb: verb, Operation: pending.Operation, Reason: "modify requires replacement arguments"}
	}
	return nil
}

// Normalize returns the decision with its verb canonicalized.
func (d Decision) Normalize() Decision {
	if v, err := ParseVerb(string(d.Verb)); err == nil {
		d.Verb = v
	}
	return d
}

// ApplyModification merges replacement arguments over the originals.
func ApplyModification(original, replacement map[string]any) map[string]any {
	out := models.CloneArguments(original)
	if out == nil {
		out = make(map[string]any, len(replacement))
	}
	for k, v := range models.CloneArguments(replacement) {
		out[k] = v
	}
	return out
}

func joinVerbs(verbs []Verb) string {
	parts := make([]string, len(verbs))
	for i, v := range verbs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

// Policy decides which operations suspend the run.
type Policy struct {
	Enabled bool
	// Operations lists the kinds that may suspend. Empty means all kinds.
	Operations map[OperationKind]bool
	// MinRisk is the lowest risk level that suspends.
	MinRisk RiskLevel
}

// DefaultPolicy suspends every kind at medium risk and above.
func DefaultPolicy() Policy {
	return Policy{Enabled: true, MinRisk: RiskMedium}
}

// ShouldSuspend reports whether an operation of the given kind and risk
// must wait for a decision.
func (p Policy) ShouldSuspend(kind OperationKind, risk RiskLevel) bool {
	if !p.Enabled {
		return false
	}
	if len(p.Operations) > 0 && !p.Operations[kind] {
		return false
	}
	min := p.MinRisk
	if min == "" {
		min = RiskMedium
	}
	return risk.AtLeast(min)
}
