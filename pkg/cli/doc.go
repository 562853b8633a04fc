/*
Package cli provides command-line helpers for the ledger command.

Output Formatting:

Command results implement Tabular so the same value renders as an aligned
table, JSON or CSV:

	formatter := cli.NewFormatter(cli.FormatJSON)
	if err := formatter.FormatTo(os.Stdout, accountsTable); err != nil {
		return err
	}

Values that are not Tabular are printed with %v in text mode and are not
supported in CSV mode.

Errors and Exit Codes:

ExitCode maps ledger domain errors to stable process exit codes so scripts
can tell an insufficient budget from a typo in an agent id.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler()
	defer stop()
*/
package cli
