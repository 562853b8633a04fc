package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/telemetry/logging"
)

var (
	// Global flags
	cfgFile      string
	envFile      string
	verbose      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Mercator Ledger - budget governance for LLM agents",
	Long: `Mercator Ledger tracks per-agent budgets for autonomous agents that spend
money on LLM calls.

Agents draw short-lived leases against their allocation before doing work,
report spend against the lease and close it to return what was not used.
Abandoned leases are expired by a background sweep. Budget increases go
through a request and approval workflow; operators can also change
allocations directly.

All amounts are USD with up to six decimal places and are stored exactly.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the root command and exits with a code derived from the error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	// Global persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "ledger.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json, csv")
}

// setup loads the dotenv file and configuration and installs the logger.
// A missing default config file is not an error: defaults and LEDGER_
// environment variables apply.
func setup(cmd *cobra.Command, args []string) error {
	if _, err := cli.ParseFormat(outputFormat); err != nil {
		return err
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cli.NewConfigError("env-file", err.Error())
	}

	path := cfgFile
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		path = ""
	}
	if err := config.Initialize(path); err != nil {
		return err
	}
	cfg := config.GetConfig()

	level := cfg.Telemetry.Logging.Level
	if verbose {
		level = "debug"
	}
	if _, err := logging.Setup(logging.Config{
		Level:     level,
		Format:    cfg.Telemetry.Logging.Format,
		AddSource: cfg.Telemetry.Logging.AddSource,
	}); err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	slog.Debug("configuration loaded", "path", path, "backend", cfg.Storage.Backend)
	return nil
}

// withEngine opens the engine, runs fn and closes the engine, waiting for
// every change fn made to reach the store.
func withEngine(cmd *cobra.Command, fn func(context.Context, *engine.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	e, err := engine.Open(ctx, config.MustGetConfig())
	if err != nil {
		return cli.NewCommandError(cmd.CommandPath(), err)
	}

	runErr := fn(ctx, e)
	closeErr := e.Close(context.Background())
	if runErr != nil {
		return runErr
	}
	if closeErr != nil {
		return cli.NewCommandError(cmd.CommandPath(), closeErr)
	}
	return nil
}

// render writes data to the command's stdout in the --output format.
func render(cmd *cobra.Command, data any) error {
	format, err := cli.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data)
}
