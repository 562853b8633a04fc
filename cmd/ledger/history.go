package main

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/ledger/retention"
	"mercator-hq/ledger/pkg/ledger/storage"
)

var historyFlags struct {
	event     string
	since     time.Duration
	limit     int
	olderThan time.Duration
}

var historyCmd = &cobra.Command{
	Use:   "history [AGENT_ID]",
	Short: "Show allocation changes",
	Long: `Show every change to an agent's allocation, oldest first: approved
requests and direct increases, decreases and resets. Without an agent id
the history of every agent is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agentID string
		if len(args) == 1 {
			agentID = args[0]
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			return render(cmd, historyView(e.ListHistory(agentID)))
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit [AGENT_ID]",
	Short: "Query the audit log",
	Long: `Query the durable audit log, newest first.

Examples:
  # Last 100 events for every agent
  ledger audit

  # Leases the sweeper expired in the last day
  ledger audit agent-1 --event lease_expired --since 24h`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyFlags.limit < 0 {
			return cli.NewConfigError("limit", "must be non-negative")
		}
		q := storage.AuditQuery{EventType: historyFlags.event, Limit: historyFlags.limit}
		if len(args) == 1 {
			q.AgentID = args[0]
		}
		if historyFlags.since > 0 {
			q.Since = time.Now().Add(-historyFlags.since)
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			events, err := e.ListAudit(ctx, q)
			if err != nil {
				return cli.NewCommandError("audit", err)
			}
			return render(cmd, auditView(events))
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old audit events",
	Long: `Delete audit events older than --older-than, or audit.retention_days
when the flag is not given. Events are written to a JSON lines file under
audit.archive_path first when it is set. Allocation history is never pruned.

Examples:
  # Apply the configured retention period
  ledger prune

  # Drop everything older than 30 days
  ledger prune --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyFlags.olderThan < 0 {
			return cli.NewConfigError("older-than", "must be non-negative")
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			result, err := e.PruneAudit(ctx, historyFlags.olderThan)
			if err != nil {
				return cli.NewCommandError("prune", err)
			}
			return render(cmd, pruneView(result))
		})
	},
}

type pruneView retention.Result

func (v pruneView) Table() cli.Table {
	archive := v.ArchiveFile
	if archive == "" {
		archive = "-"
	}
	return cli.Table{
		Headers: []string{"CUTOFF", "DELETED", "ARCHIVED", "ARCHIVE"},
		Rows: [][]string{{
			formatTime(v.Cutoff),
			strconv.FormatInt(v.Deleted, 10),
			itoa(v.Archived),
			archive,
		}},
	}
}

func init() {
	rootCmd.AddCommand(historyCmd, auditCmd, pruneCmd)

	auditCmd.Flags().StringVar(&historyFlags.event, "event", "", "only events of this type (e.g. lease_expired)")
	auditCmd.Flags().DurationVar(&historyFlags.since, "since", 0, "only events newer than this (e.g. 24h)")
	auditCmd.Flags().IntVar(&historyFlags.limit, "limit", 100, "max results")

	pruneCmd.Flags().DurationVar(&historyFlags.olderThan, "older-than", 0, "age of the oldest event kept (default: audit.retention_days)")
}
