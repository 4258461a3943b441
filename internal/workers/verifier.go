package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/steward/internal/engine"
	"github.com/ShayCichocki/steward/internal/exec"
	"github.com/ShayCichocki/steward/pkg/models"
)

// maxFeedback bounds how much command output is fed back to the generator.
const maxFeedback = 4000

// CommandVerifier checks an artifact by running a shell command in the
// workspace. A subtask's "verify" argument overrides Command. Without any
// command the artifact passes when it exists and is non-empty.
type CommandVerifier struct {
	Runner    exec.CommandRunner
	Workspace string
	Command   string
}

// Verify runs the check.
func (v *CommandVerifier) Verify(ctx context.Context, st *models.RunState, artifact *models.Artifact) (*engine.Verification, error) {
	if artifact == nil || artifact.Path == "" {
		return &engine.Verification{Feedback: "no artifact was produced"}, nil
	}
	if !v.Runner.Exists(v.Workspace, artifact.Path) {
		return &engine.Verification{Feedback: fmt.Sprintf("%s was not written", artifact.Path)}, nil
	}
	if strings.TrimSpace(artifact.Content) == "" {
		return &engine.Verification{Feedback: fmt.Sprintf("%s is empty", artifact.Path)}, nil
	}

	command := v.Command
	if sub, ok := st.Current(); ok {
		if c, ok := sub.Arguments["verify"].(string); ok && strings.TrimSpace(c) != "" {
			command = c
		}
	}
	if command == "" {
		return &engine.Verification{Passed: true, Output: "artifact written"}, nil
	}

	res, err := v.Runner.RunShell(ctx, v.Workspace, command)
	if err != nil {
		return nil, err
	}
	output := truncate(string(res.Output), maxFeedback)
	if res.Failed() {
		return &engine.Verification{
			Feedback: fmt.Sprintf("`%s` exited with status %d:\n%s", command, res.ExitCode, output),
			Output:   output,
		}, nil
	}
	return &engine.Verification{Passed: true, Output: output}, nil
}
