package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/steward/pkg/models"
)

// LLMResearcher answers research subtasks with a model.
type LLMResearcher struct {
	LLM
}

// Research answers the current subtask. Earlier research results are
// passed along as context.
func (r *LLMResearcher) Research(ctx context.Context, st *models.RunState) (string, error) {
	sub, ok := st.Current()
	if !ok {
		return "", errors.New("no current subtask")
	}

	var prior strings.Builder
	for _, res := range st.Results {
		if res.Passed && res.Payload.Text != "" {
			fmt.Fprintf(&prior, "\nFindings from %s:\n%s\n", res.SubtaskID, res.Payload.Text)
		}
	}

	content, err := r.askStream(ctx, RoleResearcher, researcherSystem,
		fmt.Sprintf(researchPrompt, st.Goal, sub.Description, bullets(sub.AcceptanceCriteria), prior.String()))
	if err != nil {
		return "", fmt.Errorf("request research: %w", err)
	}
	return strings.TrimSpace(content), nil
}
