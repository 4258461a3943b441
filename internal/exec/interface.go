// Package exec runs shell commands inside a workspace for the verifier and
// the shell action.
package exec

import (
	"context"
	"time"
)

// Result is the outcome of a command that ran to completion.
type Result struct {
	Command  string
	Output   []byte
	ExitCode int
	Duration time.Duration
}

// Failed reports whether the command exited non-zero.
func (r *Result) Failed() bool {
	return r.ExitCode != 0
}

// CommandRunner runs commands in a workspace directory.
type CommandRunner interface {
	// RunShell runs command through the shell with workDir as its working
	// directory. A non-zero exit is reported in the Result; the error is for
	// commands that could not start or were cancelled.
	RunShell(ctx context.Context, workDir, command string) (*Result, error)

	// Exists reports whether path, relative to workDir unless absolute,
	// names an existing file.
	Exists(workDir, path string) bool
}
