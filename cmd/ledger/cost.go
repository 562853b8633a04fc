package main

import (
	"context"

	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/engine"
)

var costFlags struct {
	inTokens  int64
	outTokens int64
	maxOut    int64
}

var costCmd = &cobra.Command{
	Use:   "cost MODEL",
	Short: "Price a call from the pricing table",
	Long: `Price a call from the pricing table without touching any account.

COST is what --input-tokens and --output-tokens would be charged. WORST CASE
is what a lease opened for the call would reserve: the input tokens plus
--max-output-tokens, or the model's output limit when that is not given.

Examples:
  ledger cost gpt-4o --input-tokens 1000 --output-tokens 200
  ledger cost anthropic/claude-sonnet --input-tokens 5000 --max-output-tokens 4096`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model := args[0]
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			cost, err := e.Cost(costFlags.inTokens, costFlags.outTokens, model)
			if err != nil {
				return err
			}
			worst, err := e.MaxCost(costFlags.inTokens, costFlags.maxOut, model)
			if err != nil {
				return err
			}
			return render(cmd, costView{
				Model:        model,
				InputTokens:  costFlags.inTokens,
				OutputTokens: costFlags.outTokens,
				Cost:         cost,
				MaxCost:      worst,
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(costCmd)

	costCmd.Flags().Int64Var(&costFlags.inTokens, "input-tokens", 0, "prompt tokens")
	costCmd.Flags().Int64Var(&costFlags.outTokens, "output-tokens", 0, "completion tokens")
	costCmd.Flags().Int64Var(&costFlags.maxOut, "max-output-tokens", 0, "output token cap for the worst case")
}
