package workers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/steward/internal/exec"
	"github.com/ShayCichocki/steward/internal/router"
)

var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

// fakeInvoker returns canned responses in order.
type fakeInvoker struct {
	responses []string
	err       error

	roles   []string
	systems []string
	prompts []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, model string, messages []router.Message, cfg router.CallConfig, role string) (*router.Response, error) {
	f.roles = append(f.roles, role)
	f.systems = append(f.systems, cfg.System)
	if len(messages) > 0 {
		f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, errors.New("no canned response")
	}
	content := f.responses[0]
	f.responses = f.responses[1:]
	return &router.Response{Content: content, Model: model}, nil
}

// fakeStreamer streams canned chunks and records the role it was asked for.
type fakeStreamer struct {
	fakeInvoker
	chunks []router.Chunk
}

func (f *fakeStreamer) Stream(ctx context.Context, model string, messages []router.Message, cfg router.CallConfig, role string) (<-chan router.Chunk, error) {
	f.roles = append(f.roles, role)
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan router.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// fakeRunner records commands instead of executing them.
type fakeRunner struct {
	missing  bool
	output   string
	exitCode int
	err      error
	commands []string
}

func (f *fakeRunner) RunShell(ctx context.Context, workDir, command string) (*exec.Result, error) {
	f.commands = append(f.commands, command)
	if f.err != nil {
		return nil, f.err
	}
	return &exec.Result{Command: command, Output: []byte(f.output), ExitCode: f.exitCode}, nil
}

func (f *fakeRunner) Exists(workDir, path string) bool {
	return !f.missing
}

func TestResolve(t *testing.T) {
	ws := t.TempDir()
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{name: "relative", path: "a/b.txt", want: filepath.Join(ws, "a", "b.txt")},
		{name: "cleaned", path: "a/../b.txt", want: filepath.Join(ws, "b.txt")},
		{name: "root", path: ".", want: ws},
		{name: "absolute inside", path: filepath.Join(ws, "c.txt"), want: filepath.Join(ws, "c.txt")},
		{name: "parent escape", path: "../outside.txt", wantErr: ErrOutsideWorkspace},
		{name: "nested escape", path: "a/../../outside.txt", wantErr: ErrOutsideWorkspace},
		{name: "absolute outside", path: "/etc/passwd", wantErr: ErrOutsideWorkspace},
		{name: "dotdot prefix name is fine", path: "..data", want: filepath.Join(ws, "..data")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolve(ws, tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("resolve(%q) error = %v, want %v", tt.path, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve(%q) error = %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}

	if _, err := resolve(ws, "  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("  short  ", 10); got != "short" {
		t.Errorf("truncate() = %q, want %q", got, "short")
	}
	if got := truncate("0123456789", 4); got != "...6789" {
		t.Errorf("truncate() = %q, want %q", got, "...6789")
	}
}
