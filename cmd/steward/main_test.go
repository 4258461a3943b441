package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{name: "string", pairs: []string{"path=notes.txt"}, want: map[string]any{"path": "notes.txt"}},
		{name: "typed scalars", pairs: []string{"count=3", "force=true"}, want: map[string]any{"count": 3, "force": true}},
		{name: "value with equals", pairs: []string{"content=a=b"}, want: map[string]any{"content": "a=b"}},
		{name: "empty value", pairs: []string{"content="}, want: map[string]any{"content": ""}},
		{name: "missing equals", pairs: []string{"path"}, wantErr: true},
		{name: "empty key", pairs: []string{"=x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.pairs)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("parseArgs() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %#v, want %#v", k, got[k], v)
				}
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}
	for _, tt := range tests {
		if got := formatNumber(tt.n); got != tt.want {
			t.Errorf("formatNumber(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m5s"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatValue(t *testing.T) {
	if got := formatValue("line one\nline two\nline three"); got != "line one (+2 lines)" {
		t.Errorf("formatValue(multiline) = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := formatValue(long); len(got) != maxValueWidth || !strings.HasSuffix(got, "...") {
		t.Errorf("formatValue(long) = %q (%d)", got, len(got))
	}
}

func TestRenderPending(t *testing.T) {
	p := &hitl.PendingDecision{
		ThreadID:       "t-1",
		Operation:      hitl.OpWorkerInvocation,
		SubtaskID:      "write-config",
		RiskLevel:      hitl.RiskHigh,
		Reason:         "path matches sensitive pattern: .env",
		Details:        map[string]any{"action": "write_file", "arguments": map[string]any{"path": ".env"}},
		AvailableVerbs: hitl.VerbsFor(hitl.OpWorkerInvocation),
		Problem:        "verb not available",
	}

	out := renderPending(p)
	for _, want := range []string{"Decision required", "t-1", "worker_invocation", "write-config", "high", "write_file", "approve | deny | modify | abort", "verb not available"} {
		if !strings.Contains(out, want) {
			t.Errorf("panel missing %q:\n%s", want, out)
		}
	}
}

func TestRenderResults(t *testing.T) {
	if got := renderResults(nil); got != "No subtask results." {
		t.Errorf("renderResults(nil) = %q", got)
	}

	out := renderResults([]models.SubtaskResult{
		{SubtaskID: "gen", Category: models.CategoryCode, Passed: true, Attempts: 2, Payload: models.ResultPayload{Artifact: &models.Artifact{Path: "main.go"}}},
		{SubtaskID: "write", Category: models.CategorySystemAction, Error: hitl.DeniedMessage},
	})
	for _, want := range []string{"SUBTASK", "gen", "wrote main.go", "write", "fail", hitl.DeniedMessage} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

// cliFixture prepares an isolated config, workspace and plan file.
type cliFixture struct {
	configPath string
	workspace  string
	planPath   string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("STEWARD_ANTHROPIC_API_KEY", "")

	dir := t.TempDir()
	f := &cliFixture{
		configPath: filepath.Join(dir, "config.yaml"),
		workspace:  filepath.Join(dir, "ws"),
		planPath:   filepath.Join(dir, "plan.yaml"),
	}
	if err := os.MkdirAll(f.workspace, 0755); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, f.configPath, `
hitl:
  enabled: true
  min_risk: medium
snapshots:
  enabled: true
`)
	writeTestFile(t, f.planPath, `
acceptance_criteria:
  - hello.txt contains a greeting
subtasks:
  - id: write-greeting
    category: system_action
    description: write the greeting file
    acceptance_criteria:
      - hello.txt exists
    action: write_file
    arguments:
      path: hello.txt
      content: "hello, world\n"
`)
	return f
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *cliFixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	runPlanFile, runThreadID, runWait = "", "", false
	resumeVerb, resumeArgs, resumeFromInbox, resumeWait = "", nil, false, false
	continueWait = false
	rollbackSnapshot = ""
	usageSession = ""
	cleanupOlderThan, cleanupDryRun = 30*24*time.Hour, false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append([]string{"--config", f.configPath, "--workspace", f.workspace}, args...))
	err := rootCmd.Execute()
	return buf.String(), err
}

func (f *cliFixture) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(f.workspace, rel))
	return err == nil
}

func TestCLI_RunResumeRollback(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.execute(t, "run", "--plan", f.planPath, "--thread", "greet", "write a greeting")
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "Decision required") || !strings.Contains(out, "steward resume greet") {
		t.Fatalf("expected a pending decision, got:\n%s", out)
	}
	if f.exists("hello.txt") {
		t.Fatal("file written before approval")
	}

	out, err = f.execute(t, "resume", "greet", "--verb", "maybe")
	if err == nil {
		t.Fatalf("expected rejected decision, got:\n%s", out)
	}
	if !strings.Contains(out, "Decision required") {
		t.Errorf("rejected resume should show the pending decision again:\n%s", out)
	}

	out, err = f.execute(t, "resume", "greet", "--verb", "approve")
	if err != nil {
		t.Fatalf("resume error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("expected completed run, got:\n%s", out)
	}
	if !f.exists("hello.txt") {
		t.Fatal("expected hello.txt after approval")
	}

	out, err = f.execute(t, "status", "greet")
	if err != nil || !strings.Contains(out, "Run greet: completed") || !strings.Contains(out, "Decisions: 1") {
		t.Errorf("status = %v\n%s", err, out)
	}

	out, err = f.execute(t, "status")
	if err != nil || !strings.Contains(out, "greet") {
		t.Errorf("status list = %v\n%s", err, out)
	}

	out, err = f.execute(t, "snapshots", "greet")
	if err != nil || !strings.Contains(out, "write-greeting") {
		t.Errorf("snapshots = %v\n%s", err, out)
	}

	out, err = f.execute(t, "rollback", "greet")
	if err != nil || !strings.Contains(out, "before subtask write-greeting") {
		t.Fatalf("rollback = %v\n%s", err, out)
	}
	if f.exists("hello.txt") {
		t.Error("rollback should delete files created after the snapshot")
	}

	out, err = f.execute(t, "continue", "greet")
	if err != nil || !strings.Contains(out, "Decision required") {
		t.Errorf("continue after rollback = %v\n%s", err, out)
	}
}

func TestCLI_DenyFailsRun(t *testing.T) {
	f := newCLIFixture(t)

	if out, err := f.execute(t, "run", "--plan", f.planPath, "--thread", "deny-me", "write a greeting"); err != nil {
		t.Fatalf("run error = %v\n%s", err, out)
	}
	out, err := f.execute(t, "resume", "deny-me", "--verb", "deny")
	if err != errRunFailed {
		t.Fatalf("expected errRunFailed, got %v\n%s", err, out)
	}
	if !strings.Contains(out, hitl.DeniedMessage) {
		t.Errorf("expected denial in output:\n%s", out)
	}
	if f.exists("hello.txt") {
		t.Error("denied action must not run")
	}
}

func TestCLI_CleanupAbandonedRun(t *testing.T) {
	f := newCLIFixture(t)

	db, err := state.OpenWorkspace(f.workspace)
	if err != nil {
		t.Fatalf("OpenWorkspace() error = %v", err)
	}
	if err := db.CreateRun(&state.Run{ID: "crashed", Goal: "g", Status: models.RunExecuting, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	db.Close()

	out, err := f.execute(t, "cleanup", "--dry-run")
	if err != nil || !strings.Contains(out, "Would fail crashed") {
		t.Fatalf("cleanup --dry-run = %v\n%s", err, out)
	}

	out, err = f.execute(t, "cleanup")
	if err != nil || !strings.Contains(out, "Marked crashed failed") {
		t.Fatalf("cleanup = %v\n%s", err, out)
	}

	out, err = f.execute(t, "status", "crashed")
	if err != nil || !strings.Contains(out, "Run crashed: failed") {
		t.Errorf("status after cleanup = %v\n%s", err, out)
	}
}

func TestCLI_RunWithoutProvider(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.execute(t, "run", "do something")
	if err != errNoProvider {
		t.Errorf("expected errNoProvider, got %v\n%s", err, out)
	}
}

func TestCLI_ConfigShow(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.execute(t, "config", "show")
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	for _, want := range []string{"anthropic.api_key: (not set) (none)", "hitl.enabled: true", "engine.max_retries: 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}
}

func TestCLI_Version(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.execute(t, "version")
	if err != nil || !strings.HasPrefix(out, "steward version ") {
		t.Errorf("version = %v, %q", err, out)
	}
}
