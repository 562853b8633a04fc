package main

import (
	"context"

	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/workflow"
)

var requestFlags struct {
	budget        string
	requester     string
	justification string
	actor         string
	reason        string
	agent         string
	status        string
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "File and decide budget increase requests",
	Long: `Budget increases requested by an agent's owner wait for an approver.

Approval raises the allocation to the requested budget, measured against
the allocation at approval time; a request the allocation has already
caught up with is refused as stale.

Examples:
  ledger request create agent-1 --budget 150.00 --requester user-1 \
      --justification "Need more for the Q3 rollout"
  ledger request list --status pending
  ledger request approve <request-id> --approver admin-1
  ledger request reject <request-id> --by admin-1 --reason "over the team cap"`,
}

var requestCreateCmd = &cobra.Command{
	Use:   "create AGENT_ID",
	Short: "Request a larger allocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, err := parseUSDFlag("budget", requestFlags.budget)
		if err != nil {
			return err
		}
		return decideRequest(cmd, func(ctx context.Context, e *engine.Engine) (ledger.ChangeRequest, error) {
			return e.CreateRequest(ctx, workflow.CreateParams{
				AgentID:         args[0],
				RequesterID:     requestFlags.requester,
				RequestedBudget: budget,
				Justification:   requestFlags.justification,
			})
		})
	},
}

var requestApproveCmd = &cobra.Command{
	Use:   "approve REQUEST_ID",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRequest(cmd, func(ctx context.Context, e *engine.Engine) (ledger.ChangeRequest, error) {
			return e.ApproveRequest(ctx, args[0], requestFlags.actor)
		})
	},
}

var requestRejectCmd = &cobra.Command{
	Use:   "reject REQUEST_ID",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRequest(cmd, func(ctx context.Context, e *engine.Engine) (ledger.ChangeRequest, error) {
			return e.RejectRequest(ctx, args[0], requestFlags.actor, requestFlags.reason)
		})
	},
}

var requestCancelCmd = &cobra.Command{
	Use:   "cancel REQUEST_ID",
	Short: "Withdraw a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRequest(cmd, func(ctx context.Context, e *engine.Engine) (ledger.ChangeRequest, error) {
			return e.CancelRequest(ctx, args[0], requestFlags.actor)
		})
	},
}

var requestShowCmd = &cobra.Command{
	Use:   "show REQUEST_ID",
	Short: "Show one request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideRequest(cmd, func(_ context.Context, e *engine.Engine) (ledger.ChangeRequest, error) {
			return e.GetRequest(args[0])
		})
	},
}

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := workflow.RequestFilter{AgentID: requestFlags.agent, Status: ledger.RequestStatus(requestFlags.status)}
		switch f.Status {
		case "", ledger.RequestPending, ledger.RequestApproved, ledger.RequestRejected, ledger.RequestCancelled:
		default:
			return cli.NewConfigError("status", "must be pending, approved, rejected or cancelled")
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			return render(cmd, requestView(e.ListRequests(f)))
		})
	},
}

func decideRequest(cmd *cobra.Command, fn func(context.Context, *engine.Engine) (ledger.ChangeRequest, error)) error {
	return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		r, err := fn(ctx, e)
		if err != nil {
			return err
		}
		return render(cmd, requestView{r})
	})
}

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.AddCommand(requestCreateCmd, requestApproveCmd, requestRejectCmd,
		requestCancelCmd, requestShowCmd, requestListCmd)

	requestCreateCmd.Flags().StringVar(&requestFlags.budget, "budget", "", "requested total allocation in USD (required)")
	requestCreateCmd.Flags().StringVar(&requestFlags.requester, "requester", "", "who is asking (required)")
	requestCreateCmd.Flags().StringVar(&requestFlags.justification, "justification", "", "why the agent needs more (required)")
	for _, name := range []string{"budget", "requester", "justification"} {
		_ = requestCreateCmd.MarkFlagRequired(name)
	}

	requestApproveCmd.Flags().StringVar(&requestFlags.actor, "approver", "", "who approves (required)")
	_ = requestApproveCmd.MarkFlagRequired("approver")

	requestRejectCmd.Flags().StringVar(&requestFlags.actor, "by", "", "who rejects (required)")
	requestRejectCmd.Flags().StringVar(&requestFlags.reason, "reason", "", "why the request is rejected (required)")
	_ = requestRejectCmd.MarkFlagRequired("by")
	_ = requestRejectCmd.MarkFlagRequired("reason")

	requestCancelCmd.Flags().StringVar(&requestFlags.actor, "by", "", "who withdraws the request (required)")
	_ = requestCancelCmd.MarkFlagRequired("by")

	requestListCmd.Flags().StringVar(&requestFlags.agent, "agent", "", "only requests for this agent")
	requestListCmd.Flags().StringVar(&requestFlags.status, "status", "", "only requests in this state")
}
