package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/steward/pkg/models"
)

// LLMReflector asks a model for the final verdict.
type LLMReflector struct {
	LLM
}

// Reflect judges the run.
func (r *LLMReflector) Reflect(ctx context.Context, goal string, plan *models.Plan, results []models.SubtaskResult) (*models.Verdict, error) {
	var criteria []string
	if plan != nil {
		criteria = plan.AcceptanceCriteria
	}

	var sb strings.Builder
	for _, res := range results {
		status := "PASSED"
		if !res.Passed {
			status = "FAILED"
		}
		fmt.Fprintf(&sb, "- %s (%s) %s", res.SubtaskID, res.Category, status)
		if res.Error != "" {
			fmt.Fprintf(&sb, ": %s", truncate(res.Error, 300))
		}
		switch {
		case res.Payload.Artifact != nil:
			fmt.Fprintf(&sb, " [wrote %s]", res.Payload.Artifact.Path)
		case res.Payload.Text != "":
			fmt.Fprintf(&sb, " [%s]", truncate(res.Payload.Text, 300))
		case res.Payload.Outcome != "":
			fmt.Fprintf(&sb, " [%s]", truncate(res.Payload.Outcome, 200))
		}
		sb.WriteString("\n")
	}

	content, err := r.ask(ctx, RoleReflector, reflectorSystem, fmt.Sprintf(reflectPrompt, goal, bullets(criteria), sb.String()))
	if err != nil {
		return nil, fmt.Errorf("request verdict: %w", err)
	}
	return ParseVerdict(content)
}

// ParseVerdict extracts the JSON verdict object from a model response.
func ParseVerdict(response string) (*models.Verdict, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in verdict response: %q", truncate(response, 200))
	}
	var v models.Verdict
	if err := json.Unmarshal([]byte(response[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("unmarshal verdict: %w", err)
	}
	return &v, nil
}
