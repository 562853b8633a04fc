package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/lease"
)

var leaseFlags struct {
	amount    string
	cost      string
	model     string
	inTokens  int64
	outTokens int64
	actor     string
	reason    string
	agent     string
	status    string
}

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Open, report against and close spending leases",
	Long: `A lease reserves part of an agent's remaining budget for one unit of work.
Spend is reported against the lease; closing it returns what was not used.

Examples:
  # Reserve the default grant
  ledger lease open agent-1

  # Reserve enough for one gpt-4o call with 2000 input tokens
  ledger lease open agent-1 --model gpt-4o --input-tokens 2000 --max-output-tokens 1000

  # Report usage priced from the pricing table
  ledger lease report <lease-id> --model gpt-4o --input-tokens 2000 --output-tokens 350

  # Expire abandoned leases now
  ledger lease sweep`,
}

var leaseOpenCmd = &cobra.Command{
	Use:   "open AGENT_ID",
	Short: "Reserve budget for an agent",
	Long: `Reserve budget for an agent.

With --model the grant is the worst-case price of one call: the input tokens
plus --max-output-tokens (or the model's output limit) at the model's rates.
Otherwise --amount is reserved, or the configured default grant when
--amount is omitted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int64
		if leaseFlags.model == "" && leaseFlags.amount != "" {
			v, err := parseUSDFlag("amount", leaseFlags.amount)
			if err != nil {
				return err
			}
			amount = v
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			var (
				l   ledger.Lease
				err error
			)
			if leaseFlags.model != "" {
				l, err = e.OpenForCall(ctx, args[0], leaseFlags.model, leaseFlags.inTokens, leaseFlags.outTokens)
			} else {
				l, err = e.OpenLease(ctx, args[0], amount)
			}
			if err != nil {
				return err
			}
			return render(cmd, leaseView{l})
		})
	},
}

var leaseReportCmd = &cobra.Command{
	Use:   "report LEASE_ID",
	Short: "Record spend against a lease",
	Long: `Record spend against a lease, either as a USD --cost or as token usage
priced with --model, --input-tokens and --output-tokens. A report that would
take the lease past its grant is refused and changes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (leaseFlags.model == "") == (leaseFlags.cost == "") {
			return cli.NewConfigError("cost", "exactly one of --cost or --model is required")
		}
		var cost int64
		if leaseFlags.cost != "" {
			v, err := parseUSDFlag("cost", leaseFlags.cost)
			if err != nil {
				return err
			}
			cost = v
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			var (
				l   ledger.Lease
				err error
			)
			if leaseFlags.model != "" {
				l, _, err = e.ReportUsage(ctx, args[0], leaseFlags.model, leaseFlags.inTokens, leaseFlags.outTokens)
			} else {
				l, err = e.ReportSpend(ctx, args[0], cost)
			}
			if err != nil {
				return err
			}
			return render(cmd, leaseView{l})
		})
	},
}

var leaseCloseCmd = &cobra.Command{
	Use:   "close LEASE_ID",
	Short: "Close a lease and return its unused reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return endLease(cmd, func(ctx context.Context, e *engine.Engine) (ledger.Lease, error) {
			return e.CloseLease(ctx, args[0])
		})
	},
}

var leaseRevokeCmd = &cobra.Command{
	Use:   "revoke LEASE_ID",
	Short: "Terminate a lease on operator request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return endLease(cmd, func(ctx context.Context, e *engine.Engine) (ledger.Lease, error) {
			return e.RevokeLease(ctx, args[0], leaseFlags.actor, leaseFlags.reason)
		})
	},
}

var leaseRefreshCmd = &cobra.Command{
	Use:   "refresh LEASE_ID",
	Short: "Close a lease and open a new one for the same agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int64
		if leaseFlags.amount != "" {
			v, err := parseUSDFlag("amount", leaseFlags.amount)
			if err != nil {
				return err
			}
			amount = v
		}
		return endLease(cmd, func(ctx context.Context, e *engine.Engine) (ledger.Lease, error) {
			return e.RefreshLease(ctx, args[0], amount)
		})
	},
}

func endLease(cmd *cobra.Command, fn func(context.Context, *engine.Engine) (ledger.Lease, error)) error {
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		l, err := fn(ctx, e)
		if err != nil {
			return err
		}
		return render(cmd, leaseView{l})
	})
}

var leaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := lease.Filter{AgentID: leaseFlags.agent, Status: ledger.LeaseStatus(leaseFlags.status)}
		switch f.Status {
		case "", ledger.LeaseActive, ledger.LeaseClosed, ledger.LeaseExpired, ledger.LeaseRevoked:
		default:
			return cli.NewConfigError("status", "must be active, closed, expired or revoked")
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			return render(cmd, leaseView(e.ListLeases(f)))
		})
	},
}

var leaseSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire abandoned leases now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			start := time.Now()
			result, err := e.SweepLeases(ctx)
			if err != nil {
				return err
			}
			return render(cmd, sweepView{SweepResult: result, Took: time.Since(start)})
		})
	},
}

type sweepView struct {
	lease.SweepResult
	Took time.Duration `json:"took"`
}

func (v sweepView) Table() cli.Table {
	return cli.Table{
		Headers: []string{"CANDIDATES", "EXPIRED", "RETURNED", "ERRORS", "TOOK"},
		Rows: [][]string{{
			itoa(v.Candidates),
			itoa(v.Expired),
			ledger.FormatUSD(v.Returned),
			itoa(v.Errors),
			v.Took.Round(time.Millisecond).String(),
		}},
	}
}

func init() {
	rootCmd.AddCommand(leaseCmd)
	leaseCmd.AddCommand(leaseOpenCmd, leaseReportCmd, leaseCloseCmd, leaseRevokeCmd,
		leaseRefreshCmd, leaseListCmd, leaseSweepCmd)

	leaseOpenCmd.Flags().StringVar(&leaseFlags.amount, "amount", "", "grant in USD (default: leases.default_grant)")
	leaseOpenCmd.Flags().StringVar(&leaseFlags.model, "model", "", "size the grant for one call to this model")
	leaseOpenCmd.Flags().Int64Var(&leaseFlags.inTokens, "input-tokens", 0, "prompt tokens for --model")
	leaseOpenCmd.Flags().Int64Var(&leaseFlags.outTokens, "max-output-tokens", 0, "output token cap for --model (default: the model's limit)")
	leaseOpenCmd.MarkFlagsMutuallyExclusive("amount", "model")

	leaseReportCmd.Flags().StringVar(&leaseFlags.cost, "cost", "", "spend in USD")
	leaseReportCmd.Flags().StringVar(&leaseFlags.model, "model", "", "price token usage for this model")
	leaseReportCmd.Flags().Int64Var(&leaseFlags.inTokens, "input-tokens", 0, "prompt tokens for --model")
	leaseReportCmd.Flags().Int64Var(&leaseFlags.outTokens, "output-tokens", 0, "completion tokens for --model")

	leaseRevokeCmd.Flags().StringVar(&leaseFlags.actor, "by", "", "operator revoking the lease")
	leaseRevokeCmd.Flags().StringVar(&leaseFlags.reason, "reason", "", "why the lease is revoked (required)")
	_ = leaseRevokeCmd.MarkFlagRequired("reason")

	leaseRefreshCmd.Flags().StringVar(&leaseFlags.amount, "amount", "", "new grant in USD (default: the old grant)")

	leaseListCmd.Flags().StringVar(&leaseFlags.agent, "agent", "", "only leases of this agent")
	leaseListCmd.Flags().StringVar(&leaseFlags.status, "status", "", "only leases in this state: active, closed, expired, revoked")
}
