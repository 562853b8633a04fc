package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/engine"
	"mercator-hq/ledger/pkg/telemetry/health"
)

var serveFlags struct {
	listenAddress string
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lease sweeper and metrics endpoint",
	Long: `Open the ledger and run its background work until interrupted:

  - the abandoned-lease sweep on leases.sweep_schedule
  - audit event pruning on audit.prune_schedule when audit.retention_days is set
  - the pricing file watcher when pricing.watch is set
  - the Redis notification bridge when notify.redis.enabled is set
  - the Prometheus and health endpoints when telemetry.metrics.enabled is set

Examples:
  # Start with default config
  ledger serve

  # Override the metrics listen address
  ledger serve --listen 0.0.0.0:9090

  # Open the store and load pricing without running anything
  ledger serve --dry-run`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override metrics listen address")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "open the ledger and exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.MustGetConfig()
	if serveFlags.listenAddress != "" {
		cfg.Telemetry.Metrics.ListenAddress = serveFlags.listenAddress
	}

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	e, err := engine.Open(ctx, cfg)
	if err != nil {
		return cli.NewCommandError("serve", err)
	}
	defer func() {
		if err := e.Close(context.Background()); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mercator Ledger v%s\n", Version)
	fmt.Fprintf(out, "✓ Ledger opened (%s, %d accounts)\n", cfg.Storage.Backend, len(e.ListAccounts()))
	if serveFlags.dryRun {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx) })

	if cfg.Telemetry.Metrics.Enabled {
		srv := newTelemetryServer(cfg.Telemetry.Metrics, e)
		g.Go(func() error {
			slog.Info("starting telemetry server", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("telemetry server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		fmt.Fprintf(out, "✓ Metrics endpoint: http://%s%s\n", srv.Addr, cfg.Telemetry.Metrics.Path)
		fmt.Fprintf(out, "✓ Health endpoint: http://%s/ready\n", srv.Addr)
	}
	fmt.Fprintln(out, "\nPress Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		return cli.NewCommandError("serve", err)
	}
	fmt.Fprintln(out, "✓ Ledger stopped")
	return nil
}

func newTelemetryServer(cfg config.MetricsConfig, e *engine.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, e.Metrics().Handler())
	health.Register(mux, e.Health(), health.VersionInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildDate,
		GoVersion: runtime.Version(),
	})
	return &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
