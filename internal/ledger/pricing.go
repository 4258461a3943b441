package ledger

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

// Pricing maps model IDs to their pricing.
type Pricing map[string]ModelPricing

// DefaultPricing contains pricing for known Claude models.
var DefaultPricing = Pricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-opus-4-1-20250805":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-5-20250929": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4-5-20251001":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// catalogFile is the on-disk TOML layout:
//
//	[models."claude-sonnet-4-20250514"]
//	input_per_million = 3.0
//	output_per_million = 15.0
type catalogFile struct {
	Models map[string]ModelPricing `toml:"models"`
}

// LoadPricing reads a TOML pricing catalog and merges it over DefaultPricing.
func LoadPricing(path string) (Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing catalog: %w", err)
	}
	return ParsePricing(data)
}

// ParsePricing decodes a TOML pricing catalog and merges it over DefaultPricing.
func ParsePricing(data []byte) (Pricing, error) {
	var cat catalogFile
	if err := toml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse pricing catalog: %w", err)
	}

	out := make(Pricing, len(DefaultPricing)+len(cat.Models))
	for k, v := range DefaultPricing {
		out[k] = v
	}
	for k, v := range cat.Models {
		if v.InputPerMillion < 0 || v.OutputPerMillion < 0 {
			return nil, fmt.Errorf("pricing for %s: negative price", k)
		}
		out[k] = v
	}
	return out, nil
}

// Cost computes the USD cost of a call. Unknown models cost nothing.
func (p Pricing) Cost(model string, inputTokens, outputTokens int64) (input, output float64) {
	mp, ok := p[model]
	if !ok {
		return 0, 0
	}
	input = float64(inputTokens) / 1_000_000 * mp.InputPerMillion
	output = float64(outputTokens) / 1_000_000 * mp.OutputPerMillion
	return input, output
}
