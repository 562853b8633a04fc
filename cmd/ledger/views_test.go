package main

import (
	"errors"
	"testing"
	"time"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/lease"
	"mercator-hq/ledger/pkg/ledger/state"
)

func TestParseEntity(t *testing.T) {
	tests := []struct {
		in       string
		wantKind state.EntityKind
		wantID   string
		wantErr  bool
	}{
		{in: "account:agent-1", wantKind: state.KindAccount, wantID: "agent-1"},
		{in: "lease:0b5c", wantKind: state.KindLease, wantID: "0b5c"},
		{in: "request:r:1", wantKind: state.KindRequest, wantID: "r:1"},
		{in: "agent-1", wantErr: true},
		{in: "account:", wantErr: true},
		{in: "budget:agent-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			kind, id, err := parseEntity(tt.in)
			if tt.wantErr {
				var cfgErr *cli.ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("parseEntity(%q) error = %v, want ConfigError", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseEntity(%q) unexpected error: %v", tt.in, err)
			}
			if kind != tt.wantKind || id != tt.wantID {
				t.Errorf("parseEntity(%q) = %s, %s; want %s, %s", tt.in, kind, id, tt.wantKind, tt.wantID)
			}
		})
	}
}

func TestParseUSDFlag(t *testing.T) {
	v, err := parseUSDFlag("amount", "12.345678")
	if err != nil {
		t.Fatalf("parseUSDFlag() error = %v", err)
	}
	if v != 12_345_678 {
		t.Errorf("parseUSDFlag() = %d, want 12345678", v)
	}

	_, err = parseUSDFlag("amount", "0.0000001")
	if cli.ExitCode(err) != cli.ExitUsage {
		t.Errorf("ExitCode(sub-micro amount) = %d, want %d", cli.ExitCode(err), cli.ExitUsage)
	}
}

func TestLeaseViewTable(t *testing.T) {
	expires := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	v := leaseView{
		{ID: "l1", AgentID: "agent-1", Status: ledger.LeaseActive, BudgetGranted: 10 * ledger.MicrosPerUSD, BudgetSpent: 4_500_000},
		{ID: "l2", AgentID: "agent-1", Status: ledger.LeaseClosed, ExpiresAt: &expires},
	}

	table := v.Table()
	if len(table.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(table.Rows))
	}
	if len(table.Rows[0]) != len(table.Headers) {
		t.Fatalf("row width %d, header width %d", len(table.Rows[0]), len(table.Headers))
	}
	if got := table.Rows[0][4]; got != ledger.FormatUSD(4_500_000) {
		t.Errorf("spent column = %q", got)
	}
	if got := table.Rows[0][7]; got != "-" {
		t.Errorf("expires without deadline = %q, want -", got)
	}
	if got := table.Rows[1][7]; got != "2026-10-01T12:00:00Z" {
		t.Errorf("expires = %q", got)
	}
}

func TestQuarantineViewSorted(t *testing.T) {
	table := quarantineView{
		"lease:b":   "spent exceeds grant",
		"account:a": "conservation broken",
	}.Table()

	if len(table.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(table.Rows))
	}
	if table.Rows[0][0] != "account:a" || table.Rows[1][0] != "lease:b" {
		t.Errorf("rows not sorted: %v", table.Rows)
	}
}

func TestSweepViewTable(t *testing.T) {
	table := sweepView{
		SweepResult: lease.SweepResult{Candidates: 3, Expired: 2, Returned: 8 * ledger.MicrosPerUSD, Errors: 1},
		Took:        1500 * time.Microsecond,
	}.Table()

	row := table.Rows[0]
	if row[0] != "3" || row[1] != "2" || row[3] != "1" {
		t.Errorf("row = %v", row)
	}
	if row[2] != ledger.FormatUSD(8*ledger.MicrosPerUSD) {
		t.Errorf("returned = %q", row[2])
	}
	if row[4] != "2ms" {
		t.Errorf("took = %q, want 2ms", row[4])
	}
}
