package workers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ShayCichocki/steward/internal/exec"
	"github.com/ShayCichocki/steward/internal/hitl"
	"github.com/ShayCichocki/steward/pkg/models"
)

// ErrUnknownAction is returned for an action the runner does not support.
var ErrUnknownAction = errors.New("unknown action")

// ErrShellDisabled is returned for shell actions when they are not allowed.
var ErrShellDisabled = errors.New("shell actions are disabled")

// FSActionRunner performs file-system and shell actions confined to a
// workspace.
type FSActionRunner struct {
	Workspace string
	// Runner executes shell actions. Nil disables them.
	Runner     exec.CommandRunner
	AllowShell bool
}

// Run performs action with args.
func (a *FSActionRunner) Run(ctx context.Context, st *models.RunState, action string, args map[string]any) (string, error) {
	switch action {
	case "write_file":
		return a.write(args, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, "wrote")
	case "append_file":
		return a.write(args, os.O_CREATE|os.O_WRONLY|os.O_APPEND, "appended to")
	case "delete_file":
		return a.deleteFile(args)
	case "remove_dir":
		return a.removeDir(args)
	case "read_file":
		return a.readFile(args)
	case "list_dir":
		return a.listDir(args)
	case "shell", "exec":
		return a.shell(ctx, args)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

func (a *FSActionRunner) path(args map[string]any) (string, string, error) {
	rel := hitl.PathArgument(args)
	if rel == "" {
		return "", "", errors.New("missing path argument")
	}
	abs, err := resolve(a.Workspace, rel)
	return rel, abs, err
}

func (a *FSActionRunner) write(args map[string]any, flag int, verb string) (string, error) {
	rel, abs, err := a.path(args)
	if err != nil {
		return "", err
	}
	content := stringArg(args, "content")

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(abs, flag, 0644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", rel, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", rel, err)
	}
	return fmt.Sprintf("%s %d bytes %s", verb, len(content), rel), nil
}

func (a *FSActionRunner) deleteFile(args map[string]any) (string, error) {
	rel, abs, err := a.path(args)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("delete %s: %w", rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("delete %s: is a directory", rel)
	}
	if err := os.Remove(abs); err != nil {
		return "", fmt.Errorf("delete %s: %w", rel, err)
	}
	return "deleted " + rel, nil
}

func (a *FSActionRunner) removeDir(args map[string]any) (string, error) {
	rel, abs, err := a.path(args)
	if err != nil {
		return "", err
	}
	root, _ := resolve(a.Workspace, ".")
	if abs == root {
		return "", errors.New("refusing to remove the workspace root")
	}
	if err := os.RemoveAll(abs); err != nil {
		return "", fmt.Errorf("remove %s: %w", rel, err)
	}
	return "removed " + rel, nil
}

func (a *FSActionRunner) readFile(args map[string]any) (string, error) {
	rel, abs, err := a.path(args)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

func (a *FSActionRunner) listDir(args map[string]any) (string, error) {
	rel := hitl.PathArgument(args)
	if rel == "" {
		rel = "."
	}
	abs, err := resolve(a.Workspace, rel)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.Type()&fs.ModeDir != 0 {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

func (a *FSActionRunner) shell(ctx context.Context, args map[string]any) (string, error) {
	if !a.AllowShell || a.Runner == nil {
		return "", ErrShellDisabled
	}
	command := stringArg(args, "command")
	if command == "" {
		return "", errors.New("missing command argument")
	}
	res, err := a.Runner.RunShell(ctx, a.Workspace, command)
	if err != nil {
		return "", err
	}
	output := truncate(string(res.Output), maxFeedback)
	if res.Failed() {
		return output, fmt.Errorf("`%s` exited with status %d: %s", command, res.ExitCode, output)
	}
	return output, nil
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
