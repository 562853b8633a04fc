package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/notify"
)

var watchFlags struct {
	agent string
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream change notifications from Redis",
	Long: `Print change notifications published by running ledgers until interrupted.
Needs notify.redis to be configured. Notifications only say that something
changed; re-fetch the account to see the new balance.

Examples:
  ledger watch
  ledger watch --agent agent-1 --output json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !config.MustGetConfig().Notify.Redis.Enabled {
			return cli.NewConfigError("notify.redis.enabled", "watch needs the Redis bridge enabled")
		}

		ctx, stop := cli.SetupSignalHandler()
		defer stop()

		cfg, err := engine.ResolveSecrets(ctx, config.MustGetConfig())
		if err != nil {
			return cli.NewCommandError("watch", err)
		}
		rc := cfg.Notify.Redis

		bridge, err := notify.NewRedisBridge(ctx, notify.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Channel:  rc.Channel,
		})
		if err != nil {
			return cli.NewCommandError("watch", err)
		}
		defer bridge.Close()

		emit := notificationPrinter(cmd)
		err = bridge.Listen(ctx, func(n ledger.Notification) {
			if watchFlags.agent != "" && n.AgentID != watchFlags.agent {
				return
			}
			emit(n)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return cli.NewCommandError("watch", err)
		}
		return nil
	},
}

// notificationPrinter writes one line per notification: a JSON object for
// --output json and a plain line otherwise.
func notificationPrinter(cmd *cobra.Command) func(ledger.Notification) {
	out := cmd.OutOrStdout()
	if outputFormat == string(cli.FormatJSON) {
		enc := json.NewEncoder(out)
		return func(n ledger.Notification) { _ = enc.Encode(n) }
	}
	return func(n ledger.Notification) {
		fmt.Fprintf(out, "%s  %-22s %s  %s\n", time.Now().UTC().Format(time.RFC3339), n.Kind, n.AgentID, dash(n.EventType))
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchFlags.agent, "agent", "", "only notifications for this agent")
}
