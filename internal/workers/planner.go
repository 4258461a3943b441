package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/steward/pkg/models"
)

// FilePlanner reads a hand-written plan from a YAML file and ignores the
// goal.
type FilePlanner struct {
	Path string
}

// Plan loads the plan file.
func (p *FilePlanner) Plan(ctx context.Context, goal string) (*models.Plan, error) {
	return LoadPlan(p.Path)
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (*models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return ParsePlanYAML(data)
}

// ParsePlanYAML decodes a YAML plan.
func ParsePlanYAML(data []byte) (*models.Plan, error) {
	var plan models.Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &plan, nil
}

// LLMPlanner asks a model for a plan.
type LLMPlanner struct {
	LLM
	Bounds models.Bounds
}

// Plan asks the model to break the goal into subtasks.
func (p *LLMPlanner) Plan(ctx context.Context, goal string) (*models.Plan, error) {
	b := p.Bounds
	if b.Max <= 0 {
		b = models.DefaultBounds
	}
	content, err := p.ask(ctx, RolePlanner, plannerSystem, fmt.Sprintf(planPrompt, goal, b.Min, b.Max))
	if err != nil {
		return nil, fmt.Errorf("request plan: %w", err)
	}
	return ParsePlan(content)
}

// ParsePlan extracts the JSON plan object from a model response. Text
// around the object is ignored.
func ParsePlan(response string) (*models.Plan, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		preview := response
		if len(preview) > 500 {
			preview = preview[:500] + "... (truncated)"
		}
		return nil, fmt.Errorf("no JSON object found in response (got %d chars): %q", len(response), preview)
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(response[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	for i := range plan.Subtasks {
		s := &plan.Subtasks[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Category = models.Category(strings.ToLower(strings.TrimSpace(string(s.Category))))
		if s.Category != models.CategorySystemAction {
			s.Action = ""
		}
	}
	return &plan, nil
}
