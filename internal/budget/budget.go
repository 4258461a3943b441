// Package budget decides when a run has exhausted its resource ceilings.
package budget

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Status represents the current state of budget consumption.
type Status int

const (
	// StatusOK indicates usage is below the warning threshold.
	StatusOK Status = iota
	// StatusWarning indicates usage is between the warning threshold and exhaustion.
	StatusWarning
	// StatusExhausted indicates a budget dimension is fully consumed.
	StatusExhausted
)

// String returns a human-readable representation of the budget status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the default fraction at which warnings begin.
const DefaultWarningThreshold = 0.80

// Limits are the ceilings for a run. A zero value disables that dimension.
type Limits struct {
	MaxIterations int
	MaxTokens     int64
	MaxDuration   time.Duration
}

// Reason identifies which budget dimension stopped a run.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonIterations  Reason = "iterations"
	ReasonTokens      Reason = "tokens"
	ReasonDuration    Reason = "duration"
	ReasonInterrupted Reason = "interrupted"
)

// Remaining is the budget left in each dimension, never negative. Dimensions
// without a limit report -1.
type Remaining struct {
	Iterations int
	Tokens     int64
	Duration   time.Duration
}

// Enforcer is a read-only predicate over a run state.
type Enforcer struct {
	limits           Limits
	warningThreshold float64
	now              func() time.Time
}

// NewEnforcer creates an Enforcer for the given limits.
func NewEnforcer(limits Limits) *Enforcer {
	return &Enforcer{
		limits:           limits,
		warningThreshold: DefaultWarningThreshold,
		now:              time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// SetWarningThreshold sets the fraction (0.0-1.0) used by Status.
// Invalid values are clamped.
func (e *Enforcer) SetWarningThreshold(threshold float64) {
	e.warningThreshold = clamp(threshold)
}

// Limits returns the configured ceilings.
func (e *Enforcer) Limits() Limits {
	return e.limits
}

// ShouldStop checks, in fixed order, iterations, tokens, wall-clock time and
// the interrupt flag, and reports the first that trips.
func (e *Enforcer) ShouldStop(state *models.RunState) (bool, string) {
	reason, msg := e.Check(state)
	return reason != ReasonNone, msg
}

// Check is ShouldStop with the tripped dimension as a typed value.
func (e *Enforcer) Check(state *models.RunState) (Reason, string) {
	if state == nil {
		return ReasonNone, ""
	}
	if e.limits.MaxIterations > 0 && state.Iterations >= e.limits.MaxIterations {
		return ReasonIterations, fmt.Sprintf("iteration budget exhausted: %d of %d iterations used",
			state.Iterations, e.limits.MaxIterations)
	}
	if e.limits.MaxTokens > 0 && state.Usage.TotalTokens >= e.limits.MaxTokens {
		return ReasonTokens, fmt.Sprintf("token budget exhausted: %d of %d tokens used",
			state.Usage.TotalTokens, e.limits.MaxTokens)
	}
	if e.limits.MaxDuration > 0 {
		elapsed := e.elapsed(state)
		if elapsed >= e.limits.MaxDuration {
			return ReasonDuration, fmt.Sprintf("time budget exhausted: %s elapsed of %s",
				elapsed.Round(time.Second), e.limits.MaxDuration)
		}
	}
	if state.Interrupted {
		return ReasonInterrupted, "run interrupted"
	}
	return ReasonNone, ""
}

// Remaining returns what is left of each budget dimension, clamped at zero.
func (e *Enforcer) Remaining(state *models.RunState) Remaining {
	r := Remaining{Iterations: -1, Tokens: -1, Duration: -1}
	if e.limits.MaxIterations > 0 {
		r.Iterations = max(e.limits.MaxIterations-state.Iterations, 0)
	}
	if e.limits.MaxTokens > 0 {
		r.Tokens = max(e.limits.MaxTokens-state.Usage.TotalTokens, 0)
	}
	if e.limits.MaxDuration > 0 {
		r.Duration = max(e.limits.MaxDuration-e.elapsed(state), 0)
	}
	return r
}

// IsNearLimit returns true if any limited dimension has consumed at least
// threshold (0.0-1.0) of its budget.
func (e *Enforcer) IsNearLimit(state *models.RunState, threshold float64) bool {
	threshold = clamp(threshold)
	for _, f := range e.fractions(state) {
		if f >= threshold {
			return true
		}
	}
	return false
}

// Status summarizes consumption as OK, Warning or Exhausted using the
// configured warning threshold. The interrupt flag is not a budget and is
// ignored here.
func (e *Enforcer) Status(state *models.RunState) Status {
	fractions := e.fractions(state)
	status := StatusOK
	for _, f := range fractions {
		if f >= 1.0 {
			return StatusExhausted
		}
		if f >= e.warningThreshold {
			status = StatusWarning
		}
	}
	return status
}

func (e *Enforcer) fractions(state *models.RunState) []float64 {
	var out []float64
	if e.limits.MaxIterations > 0 {
		out = append(out, float64(state.Iterations)/float64(e.limits.MaxIterations))
	}
	if e.limits.MaxTokens > 0 {
		out = append(out, float64(state.Usage.TotalTokens)/float64(e.limits.MaxTokens))
	}
	if e.limits.MaxDuration > 0 {
		out = append(out, float64(e.elapsed(state))/float64(e.limits.MaxDuration))
	}
	return out
}

func (e *Enforcer) elapsed(state *models.RunState) time.Duration {
	if state.StartedAt.IsZero() {
		return 0
	}
	return e.now().Sub(state.StartedAt)
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
