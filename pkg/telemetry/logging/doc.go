// Package logging builds the process logger on top of log/slog.
//
// New returns a *slog.Logger whose handler adds ledger identifiers carried
// in the context (agent_id, lease_id, request_id, actor) and the active
// OpenTelemetry trace and span ids to every record logged with a
// *Context method:
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	slog.SetDefault(logger)
//
//	ctx = logging.WithAgentID(ctx, "agent-1")
//	slog.InfoContext(ctx, "lease opened", "lease_id", id)
//
// Components derive their loggers from slog.Default with a "component"
// attribute, so installing the logger once at startup is enough.
package logging
