package main

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"mercator-hq/ledger/pkg/cli"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/storage"
)

// Views render domain values as tables for text and CSV output. JSON output
// marshals the underlying values unchanged.

type accountView []ledger.Account

func (v accountView) Table() cli.Table {
	t := cli.Table{Headers: []string{"AGENT", "ALLOCATED", "SPENT", "RESERVED", "REMAINING", "UPDATED"}}
	for _, a := range v {
		t.Rows = append(t.Rows, []string{
			a.AgentID,
			ledger.FormatUSD(a.TotalAllocated),
			ledger.FormatUSD(a.TotalSpent),
			ledger.FormatUSD(a.Reserved),
			ledger.FormatUSD(a.BudgetRemaining),
			formatTime(a.UpdatedAt),
		})
	}
	return t
}

type leaseView []ledger.Lease

func (v leaseView) Table() cli.Table {
	t := cli.Table{Headers: []string{"LEASE", "AGENT", "STATUS", "GRANTED", "SPENT", "RETURNED", "CREATED", "EXPIRES"}}
	for _, l := range v {
		expires := "-"
		if l.ExpiresAt != nil {
			expires = formatTime(*l.ExpiresAt)
		}
		t.Rows = append(t.Rows, []string{
			l.ID,
			l.AgentID,
			string(l.Status),
			ledger.FormatUSD(l.BudgetGranted),
			ledger.FormatUSD(l.BudgetSpent),
			ledger.FormatUSD(l.ReturnedAmount),
			formatTime(l.CreatedAt),
			expires,
		})
	}
	return t
}

type requestView []ledger.ChangeRequest

func (v requestView) Table() cli.Table {
	t := cli.Table{Headers: []string{"REQUEST", "AGENT", "STATUS", "CURRENT", "REQUESTED", "REQUESTER", "DECIDED BY", "CREATED"}}
	for _, r := range v {
		t.Rows = append(t.Rows, []string{
			r.ID,
			r.AgentID,
			string(r.Status),
			ledger.FormatUSD(r.CurrentBudget),
			ledger.FormatUSD(r.RequestedBudget),
			r.RequesterID,
			dash(r.DecidedBy),
			formatTime(r.CreatedAt),
		})
	}
	return t
}

type historyView []ledger.History

func (v historyView) Table() cli.Table {
	t := cli.Table{Headers: []string{"AGENT", "TYPE", "OLD", "NEW", "CHANGE", "BY", "REQUEST", "REASON", "AT"}}
	for _, h := range v {
		t.Rows = append(t.Rows, []string{
			h.AgentID,
			string(h.ModificationType),
			ledger.FormatUSD(h.OldBudget),
			ledger.FormatUSD(h.NewBudget),
			ledger.FormatUSD(h.ChangeAmount),
			h.ModifierID,
			dash(h.RelatedRequestID),
			h.Reason,
			formatTime(h.CreatedAt),
		})
	}
	return t
}

type auditView []ledger.AuditEvent

func (v auditView) Table() cli.Table {
	t := cli.Table{Headers: []string{"AT", "AGENT", "EVENT", "ENTITY", "ACTOR", "DETAIL"}}
	for _, e := range v {
		t.Rows = append(t.Rows, []string{
			formatTime(e.CreatedAt),
			e.AgentID,
			e.EventType,
			dash(e.EntityID),
			dash(e.Actor),
			e.Detail,
		})
	}
	return t
}

// costView is the result of `ledger cost`.
type costView struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Cost         int64  `json:"cost_micros"`
	MaxCost      int64  `json:"max_cost_micros"`
}

func (v costView) Table() cli.Table {
	return cli.Table{
		Headers: []string{"MODEL", "INPUT", "OUTPUT", "COST", "WORST CASE"},
		Rows: [][]string{{
			v.Model,
			strconv.FormatInt(v.InputTokens, 10),
			strconv.FormatInt(v.OutputTokens, 10),
			ledger.FormatUSD(v.Cost),
			ledger.FormatUSD(v.MaxCost),
		}},
	}
}

type statusView storage.Status

func (v statusView) Table() cli.Table {
	migration := "not required"
	if v.LegacyFloat {
		migration = "REQUIRED"
	}
	return cli.Table{
		Headers: []string{"BACKEND", "SCHEMA", "GUARDS", "LEGACY MIGRATION"},
		Rows: [][]string{{
			v.Backend,
			strconv.Itoa(v.Version),
			dash(strings.Join(v.Guards, ",")),
			migration,
		}},
	}
}

type quarantineView map[string]string

func (v quarantineView) Table() cli.Table {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := cli.Table{Headers: []string{"ENTITY", "VIOLATION"}}
	for _, k := range keys {
		t.Rows = append(t.Rows, []string{k, v[k]})
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
