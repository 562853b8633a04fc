package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/ledger/state"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and clear quarantined entities",
	Long: `An account, lease or request whose update would have broken a ledger
invariant is quarantined: it refuses every further change until an operator
inspects it and clears it.`,
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined entities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			return render(cmd, quarantineView(e.Quarantined()))
		})
	},
}

var quarantineClearCmd = &cobra.Command{
	Use:   "clear KIND:ID",
	Short: "Re-admit a quarantined entity",
	Long: `Re-admit a quarantined entity. KIND is account, lease or request. The
entity's current state must satisfy its invariants on its own.

Example:
  ledger quarantine clear account:agent-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, id, err := parseEntity(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			return e.ClearQuarantine(ctx, kind, id)
		})
	},
}

// parseEntity splits a "kind:id" key as printed by `quarantine list`.
func parseEntity(s string) (state.EntityKind, string, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", "", cli.NewConfigError("entity", "expected KIND:ID, e.g. account:agent-1")
	}
	switch k := state.EntityKind(kind); k {
	case state.KindAccount, state.KindLease, state.KindRequest:
		return k, id, nil
	default:
		return "", "", cli.NewConfigError("entity", "kind must be account, lease or request")
	}
}

func init() {
	rootCmd.AddCommand(quarantineCmd)
	quarantineCmd.AddCommand(quarantineListCmd, quarantineClearCmd)
}
