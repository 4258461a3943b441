// Package workers provides the built-in planner, code generator, verifier,
// researcher, action runner and reflector the steward CLI wires into the
// dispatcher.
package workers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/steward/internal/router"
)

// Worker roles, used to attribute usage in the ledger.
const (
	RolePlanner    = "planner"
	RoleCoder      = "coder"
	RoleResearcher = "researcher"
	RoleReflector  = "reflector"
)

// ErrOutsideWorkspace is returned for a path that escapes the workspace.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// Invoker sends messages to a model. *router.Router satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, model string, messages []router.Message, cfg router.CallConfig, role string) (*router.Response, error)
}

var _ Invoker = (*router.Router)(nil)

// LLM holds what every model-backed worker needs.
type LLM struct {
	Invoker   Invoker
	Model     string
	MaxTokens int64
}

func (l LLM) callConfig(system string) router.CallConfig {
	maxTokens := l.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return router.CallConfig{System: system, MaxTokens: maxTokens}
}

func (l LLM) ask(ctx context.Context, role, system, prompt string) (string, error) {
	if l.Invoker == nil {
		return "", fmt.Errorf("%s: no model configured", role)
	}
	resp, err := l.Invoker.Invoke(ctx, l.Model, []router.Message{router.User(prompt)}, l.callConfig(system), role)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fmt.Errorf("%s: empty response", role)
	}
	return resp.Content, nil
}

// Streamer streams a model reply. *router.Router satisfies it.
type Streamer interface {
	Stream(ctx context.Context, model string, messages []router.Message, cfg router.CallConfig, role string) (<-chan router.Chunk, error)
}

var _ Streamer = (*router.Router)(nil)

// askStream behaves like ask but streams when the invoker can.
func (l LLM) askStream(ctx context.Context, role, system, prompt string) (string, error) {
	s, ok := l.Invoker.(Streamer)
	if !ok {
		return l.ask(ctx, role, system, prompt)
	}
	ch, err := s.Stream(ctx, l.Model, []router.Message{router.User(prompt)}, l.callConfig(system), role)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for c := range ch {
		if c.Err != nil {
			return "", c.Err
		}
		text.WriteString(c.Text)
		if c.Done {
			if c.Response != nil && c.Response.Content != "" {
				return c.Response.Content, nil
			}
			return text.String(), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s: stream ended without a final chunk", role)
}

// resolve maps a workspace-relative path to an absolute one, rejecting
// anything that would land outside the workspace.
func resolve(workspace, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("empty path")
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	target := p
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideWorkspace)
	}
	return target, nil
}

// truncate keeps the last n bytes of s, which is where build and test
// failures usually are.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
