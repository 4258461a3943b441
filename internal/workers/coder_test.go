package workers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/steward/pkg/models"
)

func codeState(feedback string) *models.RunState {
	st := models.NewRunState("t1", "greet the world", testNow)
	st.Plan = &models.Plan{
		Subtasks: []models.Subtask{{
			ID:                 "hello",
			Category:           models.CategoryCode,
			Description:        "write a hello world program",
			AcceptanceCriteria: []string{"prints hello"},
			Arguments:          map[string]any{"path": "cmd/hello/main.go"},
		}},
		AcceptanceCriteria: []string{"program exists"},
	}
	st.Status = models.RunExecuting
	st.Feedback = feedback
	return st
}

func TestParseArtifact(t *testing.T) {
	tests := []struct {
		name        string
		response    string
		defaultPath string
		wantPath    string
		wantLang    string
		wantContent string
		wantErr     bool
	}{
		{
			name:        "path and fence",
			response:    "PATH: main.go\n```go\npackage main\n```\n",
			wantPath:    "main.go",
			wantLang:    "go",
			wantContent: "package main\n",
		},
		{
			name:        "default path",
			response:    "```\necho hi\n```",
			defaultPath: "run.sh",
			wantPath:    "run.sh",
			wantContent: "echo hi\n",
		},
		{
			name:        "response path wins",
			response:    "path: `lib/x.py`\n```python\nx = 1\n\ny = 2\n```\ntrailing chatter",
			defaultPath: "other.py",
			wantPath:    "lib/x.py",
			wantLang:    "python",
			wantContent: "x = 1\n\ny = 2\n",
		},
		{
			name:     "no fence",
			response: "PATH: main.go\npackage main",
			wantErr:  true,
		},
		{
			name:     "no path",
			response: "```go\npackage main\n```",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseArtifact(tt.response, tt.defaultPath)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", a)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseArtifact() error = %v", err)
			}
			if a.Path != tt.wantPath || a.Language != tt.wantLang || a.Content != tt.wantContent {
				t.Errorf("got {%q %q %q}, want {%q %q %q}", a.Path, a.Language, a.Content, tt.wantPath, tt.wantLang, tt.wantContent)
			}
		})
	}
}

func TestLLMCodeGenerator_WritesArtifact(t *testing.T) {
	ws := t.TempDir()
	inv := &fakeInvoker{responses: []string{"```go\npackage main\n\nfunc main() {}\n```"}}
	g := &LLMCodeGenerator{LLM: LLM{Invoker: inv, Model: "m"}, Workspace: ws}

	a, err := g.Generate(context.Background(), codeState(""))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if a.Path != "cmd/hello/main.go" {
		t.Errorf("expected subtask path, got %q", a.Path)
	}
	data, err := os.ReadFile(filepath.Join(ws, "cmd", "hello", "main.go"))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != a.Content {
		t.Errorf("file content %q does not match artifact %q", data, a.Content)
	}
	if inv.roles[0] != RoleCoder {
		t.Errorf("expected coder role, got %q", inv.roles[0])
	}
	if strings.Contains(inv.prompts[0], "rejected") {
		t.Error("first attempt prompt should not mention rejection")
	}
}

func TestLLMCodeGenerator_IncludesFeedback(t *testing.T) {
	inv := &fakeInvoker{responses: []string{"```go\npackage main\n```"}}
	g := &LLMCodeGenerator{LLM: LLM{Invoker: inv}, Workspace: t.TempDir()}

	st := codeState("undefined: fmt")
	st.Artifact = &models.Artifact{Path: "cmd/hello/main.go", Content: "package main // v1"}
	if _, err := g.Generate(context.Background(), st); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(inv.prompts[0], "undefined: fmt") || !strings.Contains(inv.prompts[0], "package main // v1") {
		t.Errorf("expected feedback and previous artifact in prompt:\n%s", inv.prompts[0])
	}
}

func TestLLMCodeGenerator_RejectsEscape(t *testing.T) {
	inv := &fakeInvoker{responses: []string{"PATH: ../../evil.sh\n```sh\nrm -rf /\n```"}}
	g := &LLMCodeGenerator{LLM: LLM{Invoker: inv}, Workspace: t.TempDir()}

	if _, err := g.Generate(context.Background(), codeState("")); err == nil {
		t.Fatal("expected error for a path outside the workspace")
	}
}
