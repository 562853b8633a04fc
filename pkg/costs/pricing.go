package costs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"mercator-hq/ledger/pkg/ledger"
)

// Pricing file formats.
const (
	// FormatYAML is the native format with USD-per-million-token decimals.
	FormatYAML = "yaml"

	// FormatLiteLLM is the LiteLLM model_prices JSON layout with USD per token.
	FormatLiteLLM = "litellm"
)

// pricingFile is the native YAML layout:
//
//	models:
//	  gpt-4o:
//	    input_usd_per_million: "2.50"
//	    output_usd_per_million: "10.00"
//	    max_output_tokens: 16384
type pricingFile struct {
	Models map[string]pricingEntry `yaml:"models"`
}

type pricingEntry struct {
	InputUSDPerMillion  string `yaml:"input_usd_per_million"`
	OutputUSDPerMillion string `yaml:"output_usd_per_million"`
	MaxOutputTokens     int64  `yaml:"max_output_tokens"`
}

// LoadFile reads a pricing table from path in the given format. An empty
// format is inferred from the file extension.
func LoadFile(path, format string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	if format == "" {
		format = FormatYAML
		if strings.HasSuffix(strings.ToLower(path), ".json") {
			format = FormatLiteLLM
		}
	}

	switch format {
	case FormatYAML:
		return ParseYAML(data)
	case FormatLiteLLM:
		return ParseLiteLLM(data)
	default:
		return nil, fmt.Errorf("%w: unknown pricing format %q", ErrInvalidPricing, format)
	}
}

// ParseYAML parses the native pricing format. Rates must be exact at
// microdollar resolution.
func ParseYAML(data []byte) (Table, error) {
	var f pricingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
	}

	table := make(Table, len(f.Models))
	for model, e := range f.Models {
		in, err := ledger.ParseUSD(e.InputUSDPerMillion)
		if err != nil {
			return nil, fmt.Errorf("%w: %s input rate: %v", ErrInvalidPricing, model, err)
		}
		out, err := ledger.ParseUSD(e.OutputUSDPerMillion)
		if err != nil {
			return nil, fmt.Errorf("%w: %s output rate: %v", ErrInvalidPricing, model, err)
		}
		p := ModelPricing{
			Model:            model,
			InputPerMillion:  in,
			OutputPerMillion: out,
			MaxOutputTokens:  e.MaxOutputTokens,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		table[model] = p
	}
	return table, nil
}

// perTokenScale converts USD per token into microdollars per million tokens.
var perTokenScale = new(big.Rat).SetInt64(ledger.MicrosPerUSD * tokensPerRateUnit)

// ParseLiteLLM parses LiteLLM's model price map. The sample_spec entry and
// entries without token pricing are skipped. Per-token USD prices are
// converted exactly; a rate finer than one microdollar per million tokens is
// rounded up.
func ParseLiteLLM(data []byte) (Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPricing, err)
	}

	table := make(Table, len(raw))
	for model, fields := range raw {
		if model == "sample_spec" {
			continue
		}
		inNum, hasIn := fields["input_cost_per_token"].(json.Number)
		outNum, hasOut := fields["output_cost_per_token"].(json.Number)
		if !hasIn && !hasOut {
			continue
		}

		p := ModelPricing{Model: model}
		var err error
		if hasIn {
			if p.InputPerMillion, err = perTokenToMicros(inNum); err != nil {
				return nil, fmt.Errorf("%w: %s input_cost_per_token: %v", ErrInvalidPricing, model, err)
			}
		}
		if hasOut {
			if p.OutputPerMillion, err = perTokenToMicros(outNum); err != nil {
				return nil, fmt.Errorf("%w: %s output_cost_per_token: %v", ErrInvalidPricing, model, err)
			}
		}
		p.MaxOutputTokens = tokenLimit(fields["max_output_tokens"])
		if p.MaxOutputTokens == 0 {
			p.MaxOutputTokens = tokenLimit(fields["max_tokens"])
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		table[model] = p
	}
	return table, nil
}

func perTokenToMicros(n json.Number) (int64, error) {
	r, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return 0, fmt.Errorf("not a number: %q", n)
	}
	r.Mul(r, perTokenScale)

	q := new(big.Int).Quo(r.Num(), r.Denom())
	if !r.IsInt() && r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return 0, ErrOverflow
	}
	return q.Int64(), nil
}

func tokenLimit(v any) int64 {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	i, err := n.Int64()
	if err != nil || i < 0 {
		return 0
	}
	return i
}
