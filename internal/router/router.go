package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ShayCichocki/steward/internal/ledger"
)

// ErrNoProvider is returned when no candidate model has an available provider.
var ErrNoProvider = errors.New("no available provider for any candidate model")

// ErrEmptyResponse is recorded when a provider returns neither a response
// nor an error.
var ErrEmptyResponse = errors.New("provider returned no response")

// ExhaustedError is returned when every candidate failed.
type ExhaustedError struct {
	Model string
	Tried []string
	Last  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all candidates failed for %s (tried %s): %v",
		e.Model, strings.Join(e.Tried, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Router walks a model's fallback chain until a provider succeeds.
type Router struct {
	providers []Provider
	fallbacks map[string][]string
	ledger    *ledger.Ledger
	now       func() time.Time
}

// New creates a router that records usage in l. Providers are consulted in
// the order given.
func New(l *ledger.Ledger, providers ...Provider) *Router {
	return &Router{
		providers: providers,
		fallbacks: make(map[string][]string),
		ledger:    l,
		now:       time.Now,
	}
}

// AddProvider registers another provider after the existing ones.
func (r *Router) AddProvider(p Provider) {
	r.providers = append(r.providers, p)
}

// SetFallbacks sets the ordered fallback chain for a model.
func (r *Router) SetFallbacks(model string, chain []string) {
	r.fallbacks[model] = append([]string(nil), chain...)
}

// Ledger returns the ledger the router records into.
func (r *Router) Ledger() *ledger.Ledger {
	return r.ledger
}

// Candidates returns [model] followed by its fallback chain, deduplicated.
func (r *Router) Candidates(model string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range append([]string{model}, r.fallbacks[model]...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// providerFor returns the first provider that serves the model and is available.
func (r *Router) providerFor(ctx context.Context, model string) Provider {
	for _, p := range r.providers {
		if !p.Serves(model) {
			continue
		}
		if !p.IsAvailable(ctx) {
			log.Printf("[router] provider %s unavailable for %s", p.Name(), model)
			continue
		}
		return p
	}
	return nil
}

// Invoke calls the first candidate that succeeds and records its usage
// against the session in ctx and the given role.
func (r *Router) Invoke(ctx context.Context, model string, messages []Message, cfg CallConfig, role string) (*Response, error) {
	var tried []string
	var lastErr error

	for _, candidate := range r.Candidates(model) {
		p := r.providerFor(ctx, candidate)
		if p == nil {
			continue
		}
		tried = append(tried, candidate)

		start := r.now()
		resp, err := p.Invoke(ctx, candidate, messages, cfg)
		if err == nil && resp == nil {
			err = fmt.Errorf("%s via %s: %w", candidate, p.Name(), ErrEmptyResponse)
		}
		if err != nil {
			log.Printf("[router] %s via %s failed: %v", candidate, p.Name(), err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp.LatencyMs == 0 {
			resp.LatencyMs = r.now().Sub(start).Milliseconds()
		}
		r.record(ctx, candidate, p.Name(), role, resp)
		return resp, nil
	}

	if lastErr == nil {
		return nil, fmt.Errorf("invoke %s: %w", model, ErrNoProvider)
	}
	return nil, &ExhaustedError{Model: model, Tried: tried, Last: lastErr}
}

// Stream is the streaming counterpart of Invoke. Candidates are only
// abandoned if the stream fails to start; usage is recorded when the final
// chunk arrives.
func (r *Router) Stream(ctx context.Context, model string, messages []Message, cfg CallConfig, role string) (<-chan Chunk, error) {
	var tried []string
	var lastErr error

	for _, candidate := range r.Candidates(model) {
		p := r.providerFor(ctx, candidate)
		if p == nil {
			continue
		}
		tried = append(tried, candidate)

		in, err := p.StreamingInvoke(ctx, candidate, messages, cfg)
		if err == nil && in == nil {
			err = fmt.Errorf("%s via %s: %w", candidate, p.Name(), ErrEmptyResponse)
		}
		if err != nil {
			log.Printf("[router] stream %s via %s failed: %v", candidate, p.Name(), err)
			lastErr = err
			continue
		}

		out := make(chan Chunk, 16)
		go r.forward(ctx, candidate, p.Name(), role, in, out)
		return out, nil
	}

	if lastErr == nil {
		return nil, fmt.Errorf("stream %s: %w", model, ErrNoProvider)
	}
	return nil, &ExhaustedError{Model: model, Tried: tried, Last: lastErr}
}

// forward relays chunks until the provider closes in or ctx is done. A
// consumer that stops reading must cancel ctx to release it.
func (r *Router) forward(ctx context.Context, model, provider, role string, in <-chan Chunk, out chan<- Chunk) {
	defer close(out)
	for {
		var c Chunk
		var ok bool
		select {
		case c, ok = <-in:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
		if c.Done && c.Err == nil && c.Response != nil {
			r.record(ctx, model, provider, role, c.Response)
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) record(ctx context.Context, model, provider, role string, resp *Response) {
	resp.Model = model
	resp.Provider = provider
	if resp.Usage.Total == 0 {
		resp.Usage.Total = resp.Usage.Input + resp.Usage.Output
	}
	if r.ledger == nil {
		return
	}
	e := r.ledger.Record(ledger.Entry{
		Timestamp:    r.now(),
		Session:      SessionFrom(ctx),
		Model:        model,
		Provider:     provider,
		Role:         role,
		InputTokens:  resp.Usage.Input,
		OutputTokens: resp.Usage.Output,
		InputCost:    resp.Cost.Input,
		OutputCost:   resp.Cost.Output,
		LatencyMs:    resp.LatencyMs,
	})
	resp.Cost = CostBreakdown{Input: e.InputCost, Output: e.OutputCost, Total: e.InputCost + e.OutputCost}
}
