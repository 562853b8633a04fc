package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/ledger/pkg/costs"
	"mercator-hq/ledger/pkg/ledger"
)

// Attribute keys for ledger spans.
const (
	AttrAgentID   = "ledger.agent_id"
	AttrLeaseID   = "ledger.lease_id"
	AttrRequestID = "ledger.request_id"
	AttrActor     = "ledger.actor"
	AttrAmount    = "ledger.amount_micros"
	AttrModel     = "ledger.model"
	AttrTokensIn  = "ledger.tokens.input"
	AttrTokensOut = "ledger.tokens.output"
	AttrErrorType = "ledger.error.type"
)

// SetAgent sets the agent id on a span.
func SetAgent(span trace.Span, agentID string) {
	span.SetAttributes(attribute.String(AttrAgentID, agentID))
}

// SetLease sets the lease id on a span.
func SetLease(span trace.Span, leaseID string) {
	span.SetAttributes(attribute.String(AttrLeaseID, leaseID))
}

// SetRequest sets the change request id on a span.
func SetRequest(span trace.Span, requestID string) {
	span.SetAttributes(attribute.String(AttrRequestID, requestID))
}

// SetActor sets the acting principal on a span.
func SetActor(span trace.Span, actor string) {
	if actor != "" {
		span.SetAttributes(attribute.String(AttrActor, actor))
	}
}

// SetAmount sets an amount in microdollars on a span.
func SetAmount(span trace.Span, micros int64) {
	span.SetAttributes(attribute.Int64(AttrAmount, micros))
}

// SetUsage sets model and token counts on a span.
func SetUsage(span trace.Span, model string, inputTokens, outputTokens int64) {
	span.SetAttributes(
		attribute.String(AttrModel, model),
		attribute.Int64(AttrTokensIn, inputTokens),
		attribute.Int64(AttrTokensOut, outputTokens),
	)
}

// errorClasses maps sentinels to short, low-cardinality names.
var errorClasses = []struct {
	err   error
	class string
}{
	{ledger.ErrInsufficientBudget, "insufficient_budget"},
	{ledger.ErrLeaseExhausted, "lease_exhausted"},
	{ledger.ErrLeaseNotActive, "lease_not_active"},
	{ledger.ErrRequestNotPending, "request_not_pending"},
	{ledger.ErrInvariantViolation, "invariant_violation"},
	{ledger.ErrNotFound, "not_found"},
	{ledger.ErrAlreadyExists, "already_exists"},
	{ledger.ErrInvalidAmount, "invalid_amount"},
	{ledger.ErrInvalidInput, "invalid_input"},
	{ledger.ErrRiskNotAcknowledged, "risk_not_acknowledged"},
	{ledger.ErrBelowCommitted, "below_committed"},
	{ledger.ErrStaleRequest, "stale_request"},
	{ledger.ErrOverflow, "overflow"},
	{costs.ErrUnknownModel, "unknown_model"},
	{costs.ErrInvalidTokens, "invalid_tokens"},
	{costs.ErrOverflow, "overflow"},
	{context.Canceled, "canceled"},
	{context.DeadlineExceeded, "deadline_exceeded"},
}

// ErrorClass returns a short name for err suitable as a span attribute or
// metric label: "ok" for nil, "error" for anything unrecognised.
func ErrorClass(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return "error"
}
