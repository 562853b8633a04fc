package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/ledger/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect the durable store schema",
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report schema version and legacy data",
	Long: `Report the schema version and migration guards of the configured store.

Stores written by older releases kept budgets as floating-point dollars. The
ledger refuses to start on such a store; this command exits with code 7 when
that data is present so deploy scripts can stop before ` + "`ledger serve`" + `.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := engine.ResolveSecrets(ctx, config.MustGetConfig())
		if err != nil {
			return cli.NewCommandError("migrate status", err)
		}
		store, err := engine.OpenStore(ctx, cfg.Storage)
		if err != nil {
			return cli.NewCommandError("migrate status", err)
		}
		defer store.Close()

		status, err := storage.CheckStartup(ctx, store)
		if err != nil && !errors.Is(err, storage.ErrLegacyMigrationRequired) {
			return cli.NewCommandError("migrate status", err)
		}
		if renderErr := render(cmd, statusView(status)); renderErr != nil {
			return renderErr
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
