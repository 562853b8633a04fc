// Package costs prices LLM token usage in integer microdollars.
//
// Rates are held as microdollars per million tokens, so a cost is
//
//	(input_tokens*input_rate + output_tokens*output_rate) / 1_000_000
//
// with no floating point involved. Two variants exist:
//
//   - Cost truncates and is used to record actual spend.
//   - MaxCost rounds up over the largest output the call can produce and is
//     used to size lease reservations.
//
// A model without a pricing entry yields ErrUnknownModel. There is no default
// price; callers fail closed.
//
// # Pricing sources
//
// Tables load from the native YAML format (USD per million tokens as exact
// decimals) or from LiteLLM's model price JSON (USD per token). A Watcher
// hot-reloads the table when the file changes.
//
//	table, err := costs.LoadFile("pricing.yaml", "")
//	calc := costs.NewCalculator(table, costs.DefaultMaxOutputTokens)
//	reserve, err := calc.MaxCost(1200, 0, "gpt-4o")
package costs
