package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(MinimalConfig()); err != nil {
		t.Errorf("expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	err := Validate(&Config{})
	if err == nil {
		t.Fatal("expected validation to fail")
	}

	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Errors) < 2 {
		t.Errorf("expected multiple errors, got %d", len(verr.Errors))
	}
	if !strings.Contains(verr.Error(), "validation failed with") {
		t.Errorf("error message should mention multiple errors: %s", verr.Error())
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		errorField string
	}{
		{
			name:       "unknown backend",
			mutate:     func(c *Config) { c.Storage.Backend = "mysql" },
			errorField: "storage.backend",
		},
		{
			name: "unknown sqlite driver",
			mutate: func(c *Config) {
				c.Storage.Backend = "sqlite"
				c.Storage.SQLite.Driver = "cgo"
			},
			errorField: "storage.sqlite.driver",
		},
		{
			name:       "postgres without dsn",
			mutate:     func(c *Config) { c.Storage.Backend = "postgres" },
			errorField: "storage.postgres.dsn",
		},
		{
			name:       "zero shards",
			mutate:     func(c *Config) { c.Coordinator.Shards = 0 },
			errorField: "coordinator.shards",
		},
		{
			name:       "sub-microdollar grant",
			mutate:     func(c *Config) { c.Leases.DefaultGrant = "0.0000001" },
			errorField: "leases.default_grant",
		},
		{
			name:       "default above max",
			mutate:     func(c *Config) { c.Leases.DefaultGrant = "150" },
			errorField: "leases.default_grant",
		},
		{
			name:       "bad sweep schedule",
			mutate:     func(c *Config) { c.Leases.SweepSchedule = "every minute" },
			errorField: "leases.sweep_schedule",
		},
		{
			name:       "negative audit retention",
			mutate:     func(c *Config) { c.Audit.RetentionDays = -1 },
			errorField: "audit.retention_days",
		},
		{
			name:       "bad prune schedule",
			mutate:     func(c *Config) { c.Audit.PruneSchedule = "nightly" },
			errorField: "audit.prune_schedule",
		},
		{
			name:       "justification bounds inverted",
			mutate:     func(c *Config) { c.Workflow.MinJustification = 600 },
			errorField: "workflow.min_justification",
		},
		{
			name:       "negative requested cap",
			mutate:     func(c *Config) { c.Workflow.MaxRequestedBudget = "-5" },
			errorField: "workflow.max_requested_budget",
		},
		{
			name:       "unknown pricing format",
			mutate:     func(c *Config) { c.Pricing.Format = "csv" },
			errorField: "pricing.format",
		},
		{
			name:       "watch without file",
			mutate:     func(c *Config) { c.Pricing.Watch = true },
			errorField: "pricing.watch",
		},
		{
			name: "redis without port",
			mutate: func(c *Config) {
				c.Notify.Redis.Enabled = true
				c.Notify.Redis.Addr = "localhost"
			},
			errorField: "notify.redis.addr",
		},
		{
			name:       "bad log level",
			mutate:     func(c *Config) { c.Telemetry.Logging.Level = "verbose" },
			errorField: "telemetry.logging.level",
		},
		{
			name:       "metrics path without slash",
			mutate:     func(c *Config) { c.Telemetry.Metrics.Path = "metrics" },
			errorField: "telemetry.metrics.path",
		},
		{
			name:       "sample ratio above one",
			mutate:     func(c *Config) { c.Telemetry.Tracing.SampleRatio = 1.5 },
			errorField: "telemetry.tracing.sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := MinimalConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.errorField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error for field %q, got %v", tt.errorField, verr.Errors)
			}
		})
	}
}
