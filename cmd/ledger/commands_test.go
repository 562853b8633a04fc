package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/storage"
)

// execute runs the CLI with args and returns stdout. Flags keep their values
// between cobra executions, so every flag is reset to its default first.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestCommandsAgainstSQLite(t *testing.T) {
	t.Setenv("LEDGER_STORAGE_BACKEND", "sqlite")
	t.Setenv("LEDGER_STORAGE_SQLITE_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("LEDGER_TELEMETRY_LOGGING_LEVEL", "error")

	out, err := execute(t, "account", "register", "agent-1", "--budget", "100.00", "-o", "json")
	require.NoError(t, err)
	accounts := decode[[]ledger.Account](t, out)
	require.Len(t, accounts, 1)
	assert.Equal(t, 100*ledger.MicrosPerUSD, accounts[0].TotalAllocated)

	_, err = execute(t, "account", "register", "agent-1", "--budget", "5")
	assert.Equal(t, cli.ExitConflict, cli.ExitCode(err))

	out, err = execute(t, "lease", "open", "agent-1", "--amount", "10", "-o", "json")
	require.NoError(t, err)
	leases := decode[[]ledger.Lease](t, out)
	require.Len(t, leases, 1)
	leaseID := leases[0].ID

	_, err = execute(t, "lease", "report", leaseID, "--cost", "10.000001")
	assert.Equal(t, cli.ExitRejected, cli.ExitCode(err))

	_, err = execute(t, "lease", "report", leaseID, "--cost", "4.50")
	require.NoError(t, err)

	out, err = execute(t, "lease", "close", leaseID, "-o", "json")
	require.NoError(t, err)
	leases = decode[[]ledger.Lease](t, out)
	assert.Equal(t, int64(5_500_000), leases[0].ReturnedAmount)

	_, err = execute(t, "lease", "report", leaseID, "--cost", "1")
	assert.Equal(t, cli.ExitRejected, cli.ExitCode(err))

	out, err = execute(t, "account", "show", "agent-1", "-o", "json")
	require.NoError(t, err)
	accounts = decode[[]ledger.Account](t, out)
	assert.Equal(t, int64(95_500_000), accounts[0].BudgetRemaining)
	assert.Equal(t, int64(4_500_000), accounts[0].TotalSpent)

	out, err = execute(t, "request", "create", "agent-1", "--budget", "150", "--requester", "user-1",
		"--justification", "Need more for Q3 rollout!", "-o", "json")
	require.NoError(t, err)
	requests := decode[[]ledger.ChangeRequest](t, out)
	require.Len(t, requests, 1)

	_, err = execute(t, "request", "approve", requests[0].ID, "--approver", "admin-1")
	require.NoError(t, err)

	out, err = execute(t, "history", "agent-1", "-o", "csv")
	require.NoError(t, err)
	assert.Contains(t, out, "increase")
	assert.Contains(t, out, requests[0].ID)

	out, err = execute(t, "audit", "agent-1", "--event", ledger.EventLeaseClosed)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"), "header plus one event:\n%s", out)

	_, err = execute(t, "account", "show", "nobody")
	assert.Equal(t, cli.ExitNotFound, cli.ExitCode(err))

	_, err = execute(t, "account", "decrease", "agent-1", "--amount", "10", "--by", "admin-1",
		"--reason", "quarterly rebalance")
	assert.Equal(t, cli.ExitRejected, cli.ExitCode(err), "decrease without --acknowledge-risk")

	out, err = execute(t, "migrate", "status", "-o", "json")
	require.NoError(t, err)
	status := decode[storage.Status](t, out)
	assert.Equal(t, "sqlite", status.Backend)
	assert.False(t, status.LegacyFloat)

	_, err = execute(t, "account", "list", "-o", "yaml")
	assert.Equal(t, cli.ExitUsage, cli.ExitCode(err))

	out, err = execute(t, "prune", "--older-than", "1h", "-o", "json")
	require.NoError(t, err)
	pruned := decode[map[string]any](t, out)
	assert.EqualValues(t, 0, pruned["deleted"], "every event is newer than an hour")

	out, err = execute(t, "audit", "agent-1", "--event", ledger.EventLeaseClosed)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"))
}
