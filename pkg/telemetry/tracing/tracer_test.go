package tracing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/costs"
	"mercator-hq/ledger/pkg/ledger"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tr, err := New(&config.TracingConfig{
		Enabled:     true,
		ServiceName: "ledger-test",
		SampleRatio: 1.0,
	}, WithExporter(exp), WithoutGlobal())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })
	return tr, exp
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *config.TracingConfig
		enabled bool
		wantErr bool
	}{
		{
			name:    "nil config",
			wantErr: true,
		},
		{
			name:   "disabled tracing",
			config: &config.TracingConfig{Enabled: false, ServiceName: "test"},
		},
		{
			name:    "ratio out of range",
			config:  &config.TracingConfig{Enabled: true, SampleRatio: 2},
			wantErr: true,
		},
		{
			name: "enabled with lazy otlp exporter",
			config: &config.TracingConfig{
				Enabled:     true,
				Endpoint:    "127.0.0.1:1",
				ServiceName: "test",
				SampleRatio: 1,
				Insecure:    true,
				Timeout:     100 * time.Millisecond,
			},
			enabled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := New(tt.config, WithoutGlobal())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tr.Enabled() != tt.enabled {
				t.Errorf("Enabled() = %v, want %v", tr.Enabled(), tt.enabled)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = tr.Shutdown(ctx)
		})
	}
}

func TestTracer_DisabledIsNoop(t *testing.T) {
	tr, err := New(&config.TracingConfig{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, span := tr.Start(context.Background(), "noop")
	span.End()

	if span.SpanContext().IsValid() {
		t.Error("noop tracer should produce invalid span contexts")
	}
	if TraceID(ctx) != "" {
		t.Error("noop span should carry no trace id")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTracer_RecordsSpans(t *testing.T) {
	tr, exp := newRecordingTracer(t)

	ctx, parent := tr.Start(context.Background(), "ledger.lease.open")
	SetAgent(parent, "agent-1")
	SetAmount(parent, 10_000_000)
	if TraceID(ctx) == "" {
		t.Error("expected trace id in context")
	}

	_, child := tr.Start(ctx, "ledger.account.reserve")
	child.End()

	var err error
	End(parent, &err)

	if err := tr.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	open := byName["ledger.lease.open"]
	if byName["ledger.account.reserve"].Parent.SpanID() != open.SpanContext.SpanID() {
		t.Error("child span should be parented to the open span")
	}
	if open.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", open.Status.Code)
	}
	want := map[attribute.Key]attribute.Value{
		AttrAgentID: attribute.StringValue("agent-1"),
		AttrAmount:  attribute.Int64Value(10_000_000),
	}
	for _, kv := range open.Attributes {
		if v, ok := want[kv.Key]; ok && v != kv.Value {
			t.Errorf("attribute %s = %v, want %v", kv.Key, kv.Value, v)
		}
	}
}

func TestEnd_RecordsError(t *testing.T) {
	tr, exp := newRecordingTracer(t)

	_, span := tr.Start(context.Background(), "ledger.lease.report")
	err := fmt.Errorf("report: %w", ledger.ErrLeaseExhausted)
	End(span, &err)
	if err := tr.provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() error = %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status.Code)
	}
	if len(s.Events) == 0 {
		t.Error("expected recorded error event")
	}
	found := false
	for _, kv := range s.Attributes {
		if kv.Key == AttrErrorType && kv.Value.AsString() == "lease_exhausted" {
			found = true
		}
	}
	if !found {
		t.Error("expected error type attribute")
	}
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ledger.NewError("reserve", "a", ledger.ErrInsufficientBudget, ""), "insufficient_budget"},
		{fmt.Errorf("price: %w", costs.ErrUnknownModel), "unknown_model"},
		{context.DeadlineExceeded, "deadline_exceeded"},
		{errors.New("disk on fire"), "error"},
	}
	for _, tt := range tests {
		if got := ErrorClass(tt.err); got != tt.want {
			t.Errorf("ErrorClass(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
