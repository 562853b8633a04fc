package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Context keys for common log fields.
type contextKey string

const (
	// AgentIDKey is the context key for the agent an operation acts on.
	AgentIDKey contextKey = "agent_id"

	// LeaseIDKey is the context key for lease ids.
	LeaseIDKey contextKey = "lease_id"

	// RequestIDKey is the context key for change request ids.
	RequestIDKey contextKey = "request_id"

	// ActorKey is the context key for the requester, approver or modifier.
	ActorKey contextKey = "actor"
)

// fieldKeys is the order fields are emitted in.
var fieldKeys = []contextKey{AgentIDKey, LeaseIDKey, RequestIDKey, ActorKey}

// WithAgentID adds an agent id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithLeaseID adds a lease id to the context.
func WithLeaseID(ctx context.Context, leaseID string) context.Context {
	return context.WithValue(ctx, LeaseIDKey, leaseID)
}

// WithRequestID adds a change request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithActor adds the acting principal to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// GetAgentID retrieves the agent id from the context.
func GetAgentID(ctx context.Context) string { return get(ctx, AgentIDKey) }

// GetLeaseID retrieves the lease id from the context.
func GetLeaseID(ctx context.Context) string { return get(ctx, LeaseIDKey) }

// GetRequestID retrieves the change request id from the context.
func GetRequestID(ctx context.Context) string { return get(ctx, RequestIDKey) }

// GetActor retrieves the acting principal from the context.
func GetActor(ctx context.Context) string { return get(ctx, ActorKey) }

func get(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// Fields extracts the context's log fields as slog attributes, including
// the trace and span ids of a recording span.
func Fields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	for _, key := range fieldKeys {
		if v := get(ctx, key); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return attrs
}

// ContextHandler is a slog.Handler that adds Fields(ctx) to each record.
type ContextHandler struct {
	next slog.Handler
}

// NewContextHandler wraps next.
func NewContextHandler(next slog.Handler) *ContextHandler {
	return &ContextHandler{next: next}
}

// Enabled reports whether next handles level.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle adds the context fields and forwards the record.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := Fields(ctx); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs returns a handler whose next handler has attrs.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{next: h.next.WithAttrs(attrs)}
}

// WithGroup returns a handler whose next handler opens group.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{next: h.next.WithGroup(name)}
}
