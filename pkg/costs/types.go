package costs

import (
	"errors"
	"fmt"
)

// DefaultMaxOutputTokens bounds the worst-case estimate for models that do
// not declare an output cap.
const DefaultMaxOutputTokens int64 = 128_000

// tokensPerRateUnit is the token count the integer rates are expressed for.
const tokensPerRateUnit int64 = 1_000_000

var (
	// ErrUnknownModel indicates that no pricing entry exists for a model.
	// Callers must fail closed; there is no default price.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidTokens indicates a negative token count.
	ErrInvalidTokens = errors.New("invalid token count")

	// ErrOverflow indicates a cost that does not fit in int64 microdollars.
	ErrOverflow = errors.New("cost overflow")

	// ErrInvalidPricing indicates a malformed pricing entry.
	ErrInvalidPricing = errors.New("invalid pricing")
)

// ModelPricing holds integer rates for one model.
type ModelPricing struct {
	// Model is the model identifier.
	Model string `json:"model"`

	// InputPerMillion is the price of one million input tokens in microdollars.
	InputPerMillion int64 `json:"input_per_million"`

	// OutputPerMillion is the price of one million output tokens in microdollars.
	OutputPerMillion int64 `json:"output_per_million"`

	// MaxOutputTokens is the model's output cap, or 0 when unknown.
	MaxOutputTokens int64 `json:"max_output_tokens,omitempty"`
}

// Validate checks that rates are non-negative.
func (p ModelPricing) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidPricing)
	}
	if p.InputPerMillion < 0 || p.OutputPerMillion < 0 || p.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: %s: negative rate or cap", ErrInvalidPricing, p.Model)
	}
	return nil
}

// Table maps model identifiers to pricing.
type Table map[string]ModelPricing
