package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/costs"
)

var validateFlags struct {
	show bool
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load the configuration file with LEDGER_ environment overrides, validate it
and load the pricing table it names. Nothing is opened or written.

Examples:
  ledger validate --config /etc/ledger/ledger.yaml

  # Print the effective configuration
  ledger validate --show`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.MustGetConfig()
		out := cmd.OutOrStdout()

		models := 0
		if cfg.Pricing.File != "" {
			table, err := costs.LoadFile(cfg.Pricing.File, cfg.Pricing.Format)
			if err != nil {
				return cli.NewConfigError("pricing.file", err.Error())
			}
			models = len(table)
		}

		if validateFlags.show {
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return cli.NewCommandError("validate", err)
			}
			_, err = out.Write(data)
			return err
		}

		fmt.Fprintln(out, "✓ Configuration valid")
		fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Backend)
		fmt.Fprintf(out, "  Pricing: %d models\n", models)
		fmt.Fprintf(out, "  Leases: default %s, max %s\n", cfg.Leases.DefaultGrant, cfg.Leases.MaxGrant)
		if cfg.Notify.Redis.Enabled {
			fmt.Fprintf(out, "  Notifications: redis %s (%s)\n", cfg.Notify.Redis.Addr, cfg.Notify.Redis.Channel)
		}
		if cfg.Audit.RetentionDays > 0 {
			fmt.Fprintf(out, "  Audit retention: %d days (%s)\n", cfg.Audit.RetentionDays, cfg.Audit.PruneSchedule)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateFlags.show, "show", false, "print the effective configuration as YAML")
}
