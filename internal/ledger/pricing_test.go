package ledger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParsePricing_MergesOverDefaults(t *testing.T) {
	data := []byte(`
[models."custom-model"]
input_per_million = 2.0
output_per_million = 8.0

[models."claude-sonnet-4-20250514"]
input_per_million = 1.0
output_per_million = 1.0
`)
	p, err := ParsePricing(data)
	if err != nil {
		t.Fatalf("ParsePricing() = %v", err)
	}
	if p["custom-model"].OutputPerMillion != 8.0 {
		t.Errorf("custom-model = %+v", p["custom-model"])
	}
	if p["claude-sonnet-4-20250514"].InputPerMillion != 1.0 {
		t.Error("catalog should override defaults")
	}
	if _, ok := p["claude-3-5-haiku-20241022"]; !ok {
		t.Error("defaults should be kept")
	}
	if DefaultPricing["claude-sonnet-4-20250514"].InputPerMillion != 3.0 {
		t.Error("ParsePricing mutated DefaultPricing")
	}
}

func TestParsePricing_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed toml", "[models\n"},
		{"negative price", "[models.x]\ninput_per_million = -1.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePricing([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadPricing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.toml")
	if err := os.WriteFile(path, []byte("[models.m]\ninput_per_million = 4.0\noutput_per_million = 4.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPricing(path)
	if err != nil {
		t.Fatalf("LoadPricing() = %v", err)
	}
	in, out := p.Cost("m", 500_000, 250_000)
	if !approx(in, 2.0) || !approx(out, 1.0) {
		t.Errorf("Cost() = %v/%v, want 2/1", in, out)
	}

	if _, err := LoadPricing(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCost_UnknownModelIsFree(t *testing.T) {
	in, out := DefaultPricing.Cost("mystery", 1000, 1000)
	if in != 0 || out != 0 {
		t.Errorf("Cost() = %v/%v, want 0/0", in, out)
	}
}
