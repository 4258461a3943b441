package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSActionRunner(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "existing.txt"), []byte("old\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(ws, "dir", "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	a := &FSActionRunner{Workspace: ws}
	ctx := context.Background()

	tests := []struct {
		name    string
		action  string
		args    map[string]any
		want    string
		wantErr error
		check   func(t *testing.T)
	}{
		{
			name:   "write creates parents",
			action: "write_file",
			args:   map[string]any{"path": "out/new.txt", "content": "hi"},
			want:   "wrote 2 bytes out/new.txt",
			check: func(t *testing.T) {
				data, err := os.ReadFile(filepath.Join(ws, "out", "new.txt"))
				if err != nil || string(data) != "hi" {
					t.Errorf("file = %q, %v", data, err)
				}
			},
		},
		{
			name:   "append",
			action: "append_file",
			args:   map[string]any{"path": "existing.txt", "content": "more\n"},
			check: func(t *testing.T) {
				data, _ := os.ReadFile(filepath.Join(ws, "existing.txt"))
				if string(data) != "old\nmore\n" {
					t.Errorf("file = %q", data)
				}
			},
		},
		{
			name:   "read",
			action: "read_file",
			args:   map[string]any{"file": "existing.txt"},
			want:   "old\nmore\n",
		},
		{
			name:   "list",
			action: "list_dir",
			args:   map[string]any{},
			want:   "dir/\nexisting.txt\nout/",
		},
		{
			name:   "delete",
			action: "delete_file",
			args:   map[string]any{"path": "out/new.txt"},
			want:   "deleted out/new.txt",
			check: func(t *testing.T) {
				if _, err := os.Stat(filepath.Join(ws, "out", "new.txt")); !os.IsNotExist(err) {
					t.Errorf("expected file deleted, stat err = %v", err)
				}
			},
		},
		{
			name:   "delete refuses directories",
			action: "delete_file",
			args:   map[string]any{"path": "dir"},
		},
		{
			name:   "remove dir",
			action: "remove_dir",
			args:   map[string]any{"path": "dir"},
			want:   "removed dir",
		},
		{
			name:    "escape rejected",
			action:  "write_file",
			args:    map[string]any{"path": "../escape.txt", "content": "x"},
			wantErr: ErrOutsideWorkspace,
		},
		{
			name:    "unknown action",
			action:  "launch_rockets",
			args:    map[string]any{},
			wantErr: ErrUnknownAction,
		},
		{
			name:    "shell disabled",
			action:  "shell",
			args:    map[string]any{"command": "ls"},
			wantErr: ErrShellDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Run(ctx, nil, tt.action, tt.args)
			expectErr := tt.wantErr != nil || (tt.want == "" && tt.check == nil)
			if expectErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run(%s) error = %v", tt.action, err)
			}
			if tt.want != "" && got != tt.want {
				t.Errorf("Run(%s) = %q, want %q", tt.action, got, tt.want)
			}
			if tt.check != nil {
				tt.check(t)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(ws), "escape.txt")); !os.IsNotExist(err) {
		t.Error("escaping write must not create a file")
	}
}

func TestFSActionRunner_Shell(t *testing.T) {
	runner := &fakeRunner{output: "ok\n"}
	a := &FSActionRunner{Workspace: t.TempDir(), Runner: runner, AllowShell: true}

	out, err := a.Run(context.Background(), nil, "shell", map[string]any{"command": "make test"})
	if err != nil {
		t.Fatalf("Run(shell) error = %v", err)
	}
	if out != "ok" {
		t.Errorf("output = %q, want %q", out, "ok")
	}
	if len(runner.commands) != 1 || runner.commands[0] != "make test" {
		t.Errorf("unexpected commands %v", runner.commands)
	}

	runner.exitCode = 2
	if _, err := a.Run(context.Background(), nil, "shell", map[string]any{"command": "make test"}); err == nil || !strings.Contains(err.Error(), "status 2") {
		t.Errorf("expected command failure, got %v", err)
	}
	runner.err = errors.New("sh: not found")
	if _, err := a.Run(context.Background(), nil, "shell", map[string]any{"command": "make test"}); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected start failure, got %v", err)
	}
	if _, err := a.Run(context.Background(), nil, "shell", map[string]any{}); err == nil {
		t.Error("expected error for missing command")
	}
}
