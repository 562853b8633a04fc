// Package tracing provides OpenTelemetry tracing for ledger operations.
//
// Spans are exported over OTLP gRPC to a collector. When tracing is
// disabled the tracer is a noop and starting a span costs a few
// allocations at most.
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "ledger.lease.open")
//	tracing.SetAgent(span, agentID)
//	defer tracing.End(span, &err)
//
// Sampling is parent-based with a trace-id ratio root sampler, so a call
// traced by an upstream service is always traced here too.
//
// Ledger attributes live under the "ledger." namespace; amounts are
// integer microdollars.
package tracing
