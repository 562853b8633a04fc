package logging

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	ctx = WithAgentID(ctx, "agent-1")
	ctx = WithLeaseID(ctx, "lease_abc")
	ctx = WithRequestID(ctx, "breq_xyz")
	ctx = WithActor(ctx, "alice")

	if got := GetAgentID(ctx); got != "agent-1" {
		t.Errorf("GetAgentID() = %q, want %q", got, "agent-1")
	}
	if got := GetLeaseID(ctx); got != "lease_abc" {
		t.Errorf("GetLeaseID() = %q, want %q", got, "lease_abc")
	}
	if got := GetRequestID(ctx); got != "breq_xyz" {
		t.Errorf("GetRequestID() = %q, want %q", got, "breq_xyz")
	}
	if got := GetActor(ctx); got != "alice" {
		t.Errorf("GetActor() = %q, want %q", got, "alice")
	}
}

func TestContextKeys_Empty(t *testing.T) {
	ctx := context.Background()
	if got := GetAgentID(ctx); got != "" {
		t.Errorf("GetAgentID() = %q, want empty", got)
	}
	if fields := Fields(ctx); len(fields) != 0 {
		t.Errorf("Fields() = %v, want none", fields)
	}
}

func TestFields_Order(t *testing.T) {
	ctx := WithActor(WithAgentID(context.Background(), "agent-1"), "bob")

	fields := Fields(ctx)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields[0].Key != "agent_id" || fields[1].Key != "actor" {
		t.Errorf("unexpected field order: %v", fields)
	}
}

func TestFields_TraceContext(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := Fields(ctx)
	if len(fields) != 2 {
		t.Fatalf("expected trace_id and span_id, got %v", fields)
	}
	if fields[0].Key != "trace_id" || fields[0].Value.String() != sc.TraceID().String() {
		t.Errorf("unexpected trace field %v", fields[0])
	}
	if fields[1].Key != "span_id" || fields[1].Value.String() != sc.SpanID().String() {
		t.Errorf("unexpected span field %v", fields[1])
	}
}
