package costs

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Calculator prices token usage in integer microdollars.
// It is safe for concurrent use and supports hot-reload of the pricing table.
type Calculator struct {
	// table is the current pricing table
	table Table

	// defaultMaxOutput caps worst-case estimates for models without a cap
	defaultMaxOutput int64

	// mu protects table for concurrent access
	mu sync.RWMutex
}

// NewCalculator creates a calculator over table. A non-positive
// defaultMaxOutput falls back to DefaultMaxOutputTokens.
func NewCalculator(table Table, defaultMaxOutput int64) *Calculator {
	if defaultMaxOutput <= 0 {
		defaultMaxOutput = DefaultMaxOutputTokens
	}
	return &Calculator{
		table:            cloneTable(table),
		defaultMaxOutput: defaultMaxOutput,
	}
}

// Cost returns the actual cost of a call in microdollars. The division by one
// million truncates, so recorded spend never exceeds the exact price.
func (c *Calculator) Cost(inputTokens, outputTokens int64, model string) (int64, error) {
	p, err := c.Pricing(model)
	if err != nil {
		return 0, err
	}
	total, err := weightedTokens(inputTokens, outputTokens, p)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", model, err)
	}
	return total / tokensPerRateUnit, nil
}

// MaxCost returns the worst-case cost of a call in microdollars, assuming the
// provider returns the maximum possible output. maxOutputTokens <= 0 means
// "no request cap". The result rounds up and is never below Cost for any
// output count the model can produce.
func (c *Calculator) MaxCost(inputTokens, maxOutputTokens int64, model string) (int64, error) {
	p, err := c.Pricing(model)
	if err != nil {
		return 0, err
	}

	limit := p.MaxOutputTokens
	if limit <= 0 {
		limit = c.defaultMaxOutput
	}
	if maxOutputTokens > 0 && maxOutputTokens < limit {
		limit = maxOutputTokens
	}

	total, err := weightedTokens(inputTokens, limit, p)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", model, err)
	}
	cost := total / tokensPerRateUnit
	if total%tokensPerRateUnit != 0 {
		cost++
	}
	return cost, nil
}

// Pricing returns the pricing entry for model. An exact match wins; a
// provider-qualified name such as "openai/gpt-4o" falls back to its bare
// model name. There is no default price.
func (c *Calculator) Pricing(model string) (ModelPricing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.table[model]; ok {
		return p, nil
	}
	if i := strings.LastIndex(model, "/"); i >= 0 {
		if p, ok := c.table[model[i+1:]]; ok {
			return p, nil
		}
	}
	return ModelPricing{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// Models returns the number of priced models.
func (c *Calculator) Models() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.table)
}

// UpdatePricing swaps the pricing table (hot-reload support).
func (c *Calculator) UpdatePricing(table Table) {
	next := cloneTable(table)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = next
}

func weightedTokens(inputTokens, outputTokens int64, p ModelPricing) (int64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, ErrInvalidTokens
	}
	in, err := mulChecked(inputTokens, p.InputPerMillion)
	if err != nil {
		return 0, err
	}
	out, err := mulChecked(outputTokens, p.OutputPerMillion)
	if err != nil {
		return 0, err
	}
	if in > math.MaxInt64-out {
		return 0, ErrOverflow
	}
	return in + out, nil
}

// mulChecked multiplies two non-negative values.
func mulChecked(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt64/b {
		return 0, ErrOverflow
	}
	return a * b, nil
}

func cloneTable(t Table) Table {
	out := make(Table, len(t))
	for k, v := range t {
		v.Model = k
		out[k] = v
	}
	return out
}
