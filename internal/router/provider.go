// Package router invokes models through a chain of fallback candidates and
// records the usage of every successful call.
package router

import (
	"context"
)

// Message is one turn of a conversation sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// User returns a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// CallConfig holds per-call generation settings.
type CallConfig struct {
	System      string
	MaxTokens   int64
	Temperature float64
}

// TokenCounts is the token usage reported by a provider.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// CostBreakdown is the USD cost of a call.
type CostBreakdown struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

// Response is the result of a completed model call.
type Response struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	Usage        TokenCounts   `json:"usage"`
	Cost         CostBreakdown `json:"cost"`
	LatencyMs    int64         `json:"latency_ms"`
	FinishReason string        `json:"finish_reason"`
}

// Chunk is one element of a streaming response. The last chunk has Done set
// and carries the complete Response, or Err if the stream failed.
type Chunk struct {
	Text     string
	Done     bool
	Response *Response
	Err      error
}

// Provider serves one or more model IDs.
type Provider interface {
	// Name identifies the provider in usage records.
	Name() string
	// Serves reports whether the provider can handle the model ID.
	Serves(model string) bool
	// IsAvailable reports whether the provider can accept calls right now.
	IsAvailable(ctx context.Context) bool
	// Invoke performs a blocking call.
	Invoke(ctx context.Context, model string, messages []Message, cfg CallConfig) (*Response, error)
	// StreamingInvoke starts a streaming call. The channel is closed after
	// the final chunk, and sending stops once ctx is done.
	StreamingInvoke(ctx context.Context, model string, messages []Message, cfg CallConfig) (<-chan Chunk, error)
}

type sessionKey struct{}

// WithSession attaches a run/session ID to the context so usage is recorded
// against it.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFrom returns the session ID carried by the context, if any.
func SessionFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sessionKey{}).(string); ok {
		return s
	}
	return ""
}
