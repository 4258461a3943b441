package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const defaultShell = "sh"

// waitDelay bounds how long a cancelled command may hold its output pipes.
const waitDelay = 5 * time.Second

// ShellRunner implements CommandRunner with os/exec.
type ShellRunner struct {
	// Shell is invoked as "<Shell> -c <command>". Empty means sh.
	Shell string
	// Env is appended to the parent environment.
	Env []string
}

// NewRunner creates a ShellRunner using sh.
func NewRunner() *ShellRunner {
	return &ShellRunner{}
}

// RunShell runs command and captures combined stdout and stderr.
func (r *ShellRunner) RunShell(ctx context.Context, workDir, command string) (*Result, error) {
	shell := r.Shell
	if shell == "" {
		shell = defaultShell
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = workDir
	cmd.WaitDelay = waitDelay
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := &Result{Command: command, Output: out, Duration: time.Since(start)}

	if ctx.Err() != nil {
		return res, fmt.Errorf("run %q: %w", command, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %q: %w", command, err)
	}
	return res, nil
}

// Exists checks for path on disk.
func (r *ShellRunner) Exists(workDir, path string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	_, err := os.Stat(path)
	return err == nil
}

var _ CommandRunner = (*ShellRunner)(nil)
