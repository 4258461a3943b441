// Package hitl implements the human-in-the-loop suspend/resume protocol:
// risk classification of operations, pending decisions, operator verbs,
// and a file-based decision inbox.
package hitl

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/steward/internal/protect"
)

// RiskLevel is the statically computed risk of an operation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels; unknown levels rank as medium.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskHigh:
		return 2
	default:
		return 1
	}
}

// AtLeast reports whether r is at or above min.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return r.Rank() >= min.Rank()
}

// ParseRiskLevel parses a configured risk level.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// OperationKind identifies what the engine is about to do.
type OperationKind string

const (
	// OpWorkerInvocation precedes a side-effecting system action.
	OpWorkerInvocation OperationKind = "worker_invocation"
	// OpArtifactGeneration precedes a code generation attempt.
	OpArtifactGeneration OperationKind = "artifact_generation"
	// OpVerificationEscalation precedes forcing a code subtask to fail
	// after its retries are exhausted.
	OpVerificationEscalation OperationKind = "verification_escalation"
)

// Valid returns true if the kind is known.
func (k OperationKind) Valid() bool {
	switch k {
	case OpWorkerInvocation, OpArtifactGeneration, OpVerificationEscalation:
		return true
	}
	return false
}

// Action names with a fixed risk level. Anything else is medium.
var actionRisk = map[string]RiskLevel{
	"delete_file": RiskHigh,
	"remove_dir":  RiskHigh,
	"shell":       RiskHigh,
	"exec":        RiskHigh,
	"write_file":  RiskMedium,
	"append_file": RiskMedium,
	"read_file":   RiskLow,
	"list_dir":    RiskLow,
	"http_get":    RiskLow,
}

// writeActions are escalated to high when their path is sensitive.
var writeActions = map[string]bool{
	"write_file":  true,
	"append_file": true,
}

// Classifier maps operations to risk levels.
type Classifier struct {
	sensitive *protect.Detector
}

// NewClassifier creates a classifier. A nil detector disables path
// escalation.
func NewClassifier(sensitive *protect.Detector) *Classifier {
	return &Classifier{sensitive: sensitive}
}

// ClassifyAction returns the risk of a system action and a short reason.
func (c *Classifier) ClassifyAction(action string, args map[string]any) (RiskLevel, string) {
	level, known := actionRisk[action]
	if !known {
		return RiskMedium, "unrecognized action " + action
	}
	reason := fmt.Sprintf("%s is %s risk", action, level)

	if writeActions[action] {
		if p := PathArgument(args); p != "" && c.isSensitive(p) {
			_, why := c.sensitive.IsSensitiveWithReason(p)
			return RiskHigh, why
		}
	}
	return level, reason
}

// ClassifyArtifact returns the risk of generating an artifact at path.
func (c *Classifier) ClassifyArtifact(path string) (RiskLevel, string) {
	if path != "" && c.isSensitive(path) {
		_, why := c.sensitive.IsSensitiveWithReason(path)
		return RiskHigh, why
	}
	return RiskMedium, "code generation writes to the workspace"
}

// ClassifyEscalation returns the risk of escalating a failed verification.
func (c *Classifier) ClassifyEscalation() (RiskLevel, string) {
	return RiskMedium, "verification retries exhausted"
}

func (c *Classifier) isSensitive(p string) bool {
	return c.sensitive != nil && c.sensitive.IsSensitive(p)
}

// PathArgument returns the path argument of an action, if any.
func PathArgument(args map[string]any) string {
	for _, key := range []string{"path", "file", "target"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
