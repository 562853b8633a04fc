package costs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const litellmFixture = `{
  "sample_spec": {
    "max_tokens": "LEGACY parameter. set to max_output_tokens if provider specifies it.",
    "input_cost_per_token": 0.0,
    "output_cost_per_token": 0.0
  },
  "gpt-4o": {
    "max_tokens": 16384,
    "max_output_tokens": 16384,
    "input_cost_per_token": 2.5e-06,
    "output_cost_per_token": 1e-05,
    "litellm_provider": "openai"
  },
  "text-embedding-3-small": {
    "mode": "embedding"
  },
  "tiny-model": {
    "max_tokens": 4096,
    "input_cost_per_token": 1.5e-13,
    "output_cost_per_token": 0
  }
}`

func TestParseLiteLLM(t *testing.T) {
	table, err := ParseLiteLLM([]byte(litellmFixture))
	if err != nil {
		t.Fatalf("ParseLiteLLM() error = %v", err)
	}

	if _, ok := table["sample_spec"]; ok {
		t.Error("sample_spec should be skipped")
	}
	if _, ok := table["text-embedding-3-small"]; ok {
		t.Error("entries without token pricing should be skipped")
	}

	tests := []struct {
		model   string
		in, out int64
		maxOut  int64
	}{
		{model: "gpt-4o", in: 2_500_000, out: 10_000_000, maxOut: 16_384},
		{model: "tiny-model", in: 1, out: 0, maxOut: 4096},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, ok := table[tt.model]
			if !ok {
				t.Fatalf("model %s missing", tt.model)
			}
			if p.InputPerMillion != tt.in || p.OutputPerMillion != tt.out || p.MaxOutputTokens != tt.maxOut {
				t.Errorf("pricing = %+v, want in=%d out=%d max=%d", p, tt.in, tt.out, tt.maxOut)
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    ModelPricing
		wantErr bool
	}{
		{
			name: "quoted decimals",
			data: `
models:
  gpt-4o:
    input_usd_per_million: "2.50"
    output_usd_per_million: "10.00"
    max_output_tokens: 16384
`,
			want: ModelPricing{Model: "gpt-4o", InputPerMillion: 2_500_000, OutputPerMillion: 10_000_000, MaxOutputTokens: 16_384},
		},
		{
			name: "unquoted decimals",
			data: `
models:
  gpt-4o:
    input_usd_per_million: 0.15
    output_usd_per_million: 0.6
`,
			want: ModelPricing{Model: "gpt-4o", InputPerMillion: 150_000, OutputPerMillion: 600_000},
		},
		{
			name: "sub-microdollar rate rejected",
			data: `
models:
  gpt-4o:
    input_usd_per_million: "0.0000001"
    output_usd_per_million: "1"
`,
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			data:    "models: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := ParseYAML([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPricing) {
					t.Fatalf("ParseYAML() error = %v, want ErrInvalidPricing", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseYAML() error = %v", err)
			}
			if got := table[tt.want.Model]; got != tt.want {
				t.Errorf("ParseYAML() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadFile_InfersFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model_prices.json")
	if err := os.WriteFile(path, []byte(litellmFixture), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadFile(path, "")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(table) != 2 {
		t.Errorf("LoadFile() loaded %d models, want 2", len(table))
	}

	if _, err := LoadFile(path, "toml"); !errors.Is(err, ErrInvalidPricing) {
		t.Errorf("LoadFile(toml) error = %v, want ErrInvalidPricing", err)
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml"), ""); err == nil {
		t.Error("LoadFile(missing) should fail")
	}
}
