package engine

import (
	"mercator-hq/ledger/pkg/costs"
	"mercator-hq/ledger/pkg/ledger/storage"
	"mercator-hq/ledger/pkg/telemetry/metrics"
	"mercator-hq/ledger/pkg/telemetry/tracing"
)

// Option customizes Open.
type Option func(*options)

type options struct {
	store     storage.Store
	pricing   costs.Table
	collector *metrics.Collector
	tracer    *tracing.Tracer
}

// WithStore uses s instead of opening the configured backend. The engine
// takes ownership and closes s on Close.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithPricing uses table instead of the configured pricing file.
func WithPricing(table costs.Table) Option {
	return func(o *options) { o.pricing = table }
}

// WithCollector registers metrics with c instead of a new collector.
func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithTracer uses t instead of building one from the tracing config.
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) { o.tracer = t }
}
