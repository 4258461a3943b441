package workers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/pkg/models"
)

// LLMCodeGenerator asks a model for a file and writes it into the
// workspace.
type LLMCodeGenerator struct {
	LLM
	Workspace string
}

// Generate produces the artifact for the current code subtask. Verifier
// feedback from a previous attempt is included in the prompt.
func (g *LLMCodeGenerator) Generate(ctx context.Context, st *models.RunState) (*models.Artifact, error) {
	sub, ok := st.Current()
	if !ok {
		return nil, errors.New("no current subtask")
	}

	var retry string
	if st.Feedback != "" {
		retry = "\nThe previous attempt was rejected by verification:\n" + st.Feedback + "\n"
		if st.Artifact != nil {
			retry += fmt.Sprintf("\nPrevious contents of %s:\n%s\n", st.Artifact.Path, st.Artifact.Content)
		}
	}
	var target string
	if p := hitl.PathArgument(sub.Arguments); p != "" {
		target = "\nWrite the file at " + p + ".\n"
	}

	prompt := fmt.Sprintf(codePrompt, st.Goal, sub.ID, sub.Description, bullets(sub.AcceptanceCriteria), target, retry)
	content, err := g.ask(ctx, RoleCoder, coderSystem, prompt)
	if err != nil {
		return nil, fmt.Errorf("request code: %w", err)
	}

	artifact, err := ParseArtifact(content, hitl.PathArgument(sub.Arguments))
	if err != nil {
		return nil, err
	}
	if err := writeArtifact(g.Workspace, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// ParseArtifact reads a "PATH: ..." line followed by a fenced code block.
// defaultPath is used when the response names no path.
func ParseArtifact(response, defaultPath string) (*models.Artifact, error) {
	a := &models.Artifact{Path: defaultPath}

	lines := strings.Split(response, "\n")
	var body []string
	inFence := false
	closed := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !inFence && !closed && strings.HasPrefix(strings.ToUpper(trimmed), "PATH:"):
			if p := strings.TrimSpace(trimmed[len("PATH:"):]); p != "" {
				a.Path = strings.Trim(p, "`")
			}
		case !inFence && !closed && strings.HasPrefix(trimmed, "```"):
			inFence = true
			a.Language = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
		case inFence && strings.HasPrefix(trimmed, "```"):
			inFence = false
			closed = true
		case inFence:
			body = append(body, line)
		}
	}

	if !closed && !inFence {
		return nil, errors.New("response contains no fenced code block")
	}
	if a.Path == "" {
		return nil, errors.New("response names no file path")
	}
	a.Content = strings.Join(body, "\n")
	if a.Content != "" && !strings.HasSuffix(a.Content, "\n") {
		a.Content += "\n"
	}
	return a, nil
}

func writeArtifact(workspace string, a *models.Artifact) error {
	path, err := resolve(workspace, a.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(a.Content), 0644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- (none given)"
	}
	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- ")
		sb.WriteString(item)
	}
	return sb.String()
}
