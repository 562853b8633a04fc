package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/workflow"
)

var accountFlags struct {
	budget      string
	amount      string
	modifier    string
	reason      string
	acknowledge bool
	override    bool
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage agent accounts",
	Long: `Register agents and inspect or change their allocations.

Direct changes are recorded in the allocation history. Decreases and
resets take budget away from a running agent and need --acknowledge-risk.

Examples:
  # Register an agent with $100
  ledger account register agent-1 --budget 100.00

  # Show every account as JSON
  ledger account list --output json

  # Cut an allocation by $20
  ledger account decrease agent-1 --amount 20.00 --by admin-1 \
      --reason "quarterly rebalance" --acknowledge-risk`,
}

var accountRegisterCmd = &cobra.Command{
	Use:   "register AGENT_ID",
	Short: "Register an agent with an initial allocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, err := parseUSDFlag("budget", accountFlags.budget)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			a, err := e.RegisterAgent(ctx, args[0], budget)
			if err != nil {
				return err
			}
			return render(cmd, accountView{a})
		})
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show AGENT_ID",
	Short: "Show one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			a, err := e.GetAccount(args[0])
			if err != nil {
				return err
			}
			return render(cmd, accountView{a})
		})
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			return render(cmd, accountView(e.ListAccounts()))
		})
	},
}

var accountIncreaseCmd = &cobra.Command{
	Use:   "increase AGENT_ID",
	Short: "Raise an allocation directly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return modifyAccount(cmd, args[0], true, (*engine.Engine).IncreaseBudget)
	},
}

var accountDecreaseCmd = &cobra.Command{
	Use:   "decrease AGENT_ID",
	Short: "Lower an allocation directly",
	Long: `Lower an allocation by --amount.

The new allocation may not fall below what the agent has already spent plus
what its active leases hold, unless --override is given. Active leases are
never cut short; with --override the agent simply cannot open new ones until
its balance recovers.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return modifyAccount(cmd, args[0], true, (*engine.Engine).DecreaseBudget)
	},
}

var accountResetCmd = &cobra.Command{
	Use:   "reset AGENT_ID",
	Short: "Set an allocation to its committed spend",
	Long: `Set an allocation to spent plus reserved, leaving nothing for new leases.
Active leases keep their reservations.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return modifyAccount(cmd, args[0], false, (*engine.Engine).ResetBudget)
	},
}

type modifyFunc func(*engine.Engine, context.Context, workflow.Modification) (ledger.History, error)

func modifyAccount(cmd *cobra.Command, agentID string, needsAmount bool, fn modifyFunc) error {
	m := workflow.Modification{
		AgentID:         agentID,
		ModifierID:      accountFlags.modifier,
		Reason:          accountFlags.reason,
		AcknowledgeRisk: accountFlags.acknowledge,
		Override:        accountFlags.override,
	}
	if needsAmount {
		amount, err := parseUSDFlag("amount", accountFlags.amount)
		if err != nil {
			return err
		}
		m.Amount = amount
	}

	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		h, err := fn(e, ctx, m)
		if err != nil {
			return err
		}
		return render(cmd, historyView{h})
	})
}

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountRegisterCmd, accountShowCmd, accountListCmd,
		accountIncreaseCmd, accountDecreaseCmd, accountResetCmd)

	accountRegisterCmd.Flags().StringVar(&accountFlags.budget, "budget", "", "initial allocation in USD (required)")
	_ = accountRegisterCmd.MarkFlagRequired("budget")

	for _, c := range []*cobra.Command{accountIncreaseCmd, accountDecreaseCmd, accountResetCmd} {
		c.Flags().StringVar(&accountFlags.modifier, "by", "", "operator making the change (required)")
		c.Flags().StringVar(&accountFlags.reason, "reason", "", "why the allocation changes (required)")
		_ = c.MarkFlagRequired("by")
		_ = c.MarkFlagRequired("reason")
	}
	for _, c := range []*cobra.Command{accountIncreaseCmd, accountDecreaseCmd} {
		c.Flags().StringVar(&accountFlags.amount, "amount", "", "change in USD (required)")
		_ = c.MarkFlagRequired("amount")
	}
	for _, c := range []*cobra.Command{accountDecreaseCmd, accountResetCmd} {
		c.Flags().BoolVar(&accountFlags.acknowledge, "acknowledge-risk", false, "confirm that the agent may lose budget it relies on")
	}
	accountDecreaseCmd.Flags().BoolVar(&accountFlags.override, "override", false, "allow the allocation to fall below committed spend")
}

// parseUSDFlag parses a USD amount flag into microdollars.
func parseUSDFlag(name, value string) (int64, error) {
	v, err := ledger.ParseUSD(value)
	if err != nil {
		return 0, cli.NewConfigError(name, fmt.Sprintf("invalid amount %q: %v", value, err))
	}
	return v, nil
}
