// Package api provides the Anthropic model provider used by the router.
package api

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/steward/internal/router"
)

// DefaultMaxTokens is used when a call does not set CallConfig.MaxTokens.
const DefaultMaxTokens = 8192

// Circuit breaker defaults: after this many consecutive failures the
// provider reports itself unavailable for the cooldown period.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// ClientConfig contains configuration for creating a new Provider.
type ClientConfig struct {
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// FailureThreshold and Cooldown tune the availability breaker.
	FailureThreshold int
	Cooldown         time.Duration
}

// Provider serves Claude models through the Anthropic SDK.
type Provider struct {
	inner   anthropic.Client
	bedrock bool

	mu               sync.Mutex
	failures         int
	openUntil        time.Time
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

// NewProvider creates a new Anthropic provider.
func NewProvider(cfg ClientConfig) (*Provider, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	return &Provider{
		inner:            anthropic.NewClient(opts...),
		bedrock:          cfg.UseAWSBedrock,
		failureThreshold: threshold,
		cooldown:         cooldown,
		now:              time.Now,
	}, nil
}

// Name implements router.Provider.
func (p *Provider) Name() string {
	if p.bedrock {
		return "bedrock"
	}
	return "anthropic"
}

// Serves implements router.Provider. Any Claude model ID is accepted.
func (p *Provider) Serves(model string) bool {
	return strings.HasPrefix(model, "claude-") || strings.HasPrefix(model, "us.anthropic.")
}

// IsAvailable implements router.Provider. The provider is unavailable while
// its failure breaker is open.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.now().Before(p.openUntil)
}

func (p *Provider) markResult(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.failures = 0
		return
	}
	p.failures++
	if p.failures >= p.failureThreshold {
		p.openUntil = p.now().Add(p.cooldown)
		p.failures = 0
	}
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock inference profile format.
// Bedrock uses cross-region inference profiles: us.anthropic.{model}-v1:0
func translateModelForBedrock(model string) string {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[anthropic.Model(model)]; ok {
		return bedrockModel
	}
	return model
}

func (p *Provider) wireModel(model string) anthropic.Model {
	if p.bedrock {
		return anthropic.Model(translateModelForBedrock(model))
	}
	return anthropic.Model(model)
}

// buildParams converts router messages into SDK request parameters.
func (p *Provider) buildParams(model string, messages []router.Message, cfg router.CallConfig) anthropic.MessageNewParams {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     p.wireModel(model),
		MaxTokens: maxTokens,
		Messages:  toMessageParams(messages),
	}
	if cfg.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: cfg.System}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}
	return params
}

func toMessageParams(messages []router.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == router.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

// Invoke implements router.Provider.
func (p *Provider) Invoke(ctx context.Context, model string, messages []router.Message, cfg router.CallConfig) (*router.Response, error) {
	start := p.now()
	resp, err := p.inner.Messages.New(ctx, p.buildParams(model, messages, cfg))
	p.markResult(err)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages call: %w", err)
	}
	return toResponse(resp, p.now().Sub(start)), nil
}

// StreamingInvoke implements router.Provider.
func (p *Provider) StreamingInvoke(ctx context.Context, model string, messages []router.Message, cfg router.CallConfig) (<-chan router.Chunk, error) {
	stream := p.inner.Messages.NewStreaming(ctx, p.buildParams(model, messages, cfg))
	if err := stream.Err(); err != nil {
		p.markResult(err)
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	out := make(chan router.Chunk, 16)
	send := func(c router.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		defer stream.Close()

		start := p.now()
		acc := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				p.markResult(err)
				send(router.Chunk{Done: true, Err: fmt.Errorf("accumulate stream event: %w", err)})
				return
			}
			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
					if !send(router.Chunk{Text: delta.Text}) {
						return
					}
				}
			}
		}
		err := stream.Err()
		p.markResult(err)
		if err != nil {
			send(router.Chunk{Done: true, Err: fmt.Errorf("anthropic stream: %w", err)})
			return
		}
		send(router.Chunk{Done: true, Response: toResponse(&acc, p.now().Sub(start))})
	}()
	return out, nil
}

func toResponse(msg *anthropic.Message, latency time.Duration) *router.Response {
	var text strings.Builder
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	return &router.Response{
		Content: text.String(),
		Usage: router.TokenCounts{
			Input:  msg.Usage.InputTokens,
			Output: msg.Usage.OutputTokens,
			Total:  msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
		LatencyMs:    latency.Milliseconds(),
		FinishReason: string(msg.StopReason),
	}
}

var _ router.Provider = (*Provider)(nil)
