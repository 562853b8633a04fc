package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"

	"mercator-hq/ledger/pkg/ledger"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "storage.backend").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. It returns nil if the configuration is valid.
// All validation errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateCoordinator(&cfg.Coordinator)...)
	errs = append(errs, validateLeases(&cfg.Leases)...)
	errs = append(errs, validateWorkflow(&cfg.Workflow)...)
	errs = append(errs, validatePricing(&cfg.Pricing)...)
	errs = append(errs, validateNotify(&cfg.Notify)...)
	errs = append(errs, validateAudit(&cfg.Audit)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

// validateStorage validates storage configuration.
func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory":
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.path",
				Message: "sqlite path is required when backend is sqlite",
			})
		}
		if cfg.SQLite.Driver != "modernc" && cfg.SQLite.Driver != "mattn" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.driver",
				Message: fmt.Sprintf("invalid driver %q: must be 'modernc' or 'mattn'", cfg.SQLite.Driver),
			})
		}
		if cfg.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.busy_timeout",
				Message: "busy timeout must be non-negative",
			})
		}
		if cfg.SQLite.CheckpointInterval < 0 {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.checkpoint_interval",
				Message: "checkpoint interval must be non-negative",
			})
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.dsn",
				Message: "dsn is required when backend is postgres",
			})
		}
		if cfg.Postgres.MaxConns < 1 {
			errs = append(errs, FieldError{
				Field:   "storage.postgres.max_conns",
				Message: "max conns must be at least 1",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend %q: must be 'memory', 'sqlite', or 'postgres'", cfg.Backend),
		})
	}

	return errs
}

// validateCoordinator validates coordinator configuration.
func validateCoordinator(cfg *CoordinatorConfig) []FieldError {
	var errs []FieldError

	if cfg.Shards < 1 || cfg.Shards > 256 {
		errs = append(errs, FieldError{
			Field:   "coordinator.shards",
			Message: "shards must be between 1 and 256",
		})
	}
	if cfg.QueueSize < 1 {
		errs = append(errs, FieldError{
			Field:   "coordinator.queue_size",
			Message: "queue size must be at least 1",
		})
	}
	if cfg.SubscriberBuffer < 1 {
		errs = append(errs, FieldError{
			Field:   "coordinator.subscriber_buffer",
			Message: "subscriber buffer must be at least 1",
		})
	}
	if cfg.RetryDelay < 0 {
		errs = append(errs, FieldError{
			Field:   "coordinator.retry_delay",
			Message: "retry delay must be non-negative",
		})
	}
	if cfg.MaxRetryDelay < 0 {
		errs = append(errs, FieldError{
			Field:   "coordinator.max_retry_delay",
			Message: "max retry delay must be non-negative",
		})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "coordinator.write_timeout",
			Message: "write timeout must be non-negative",
		})
	}
	if cfg.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "coordinator.shutdown_timeout",
			Message: "shutdown timeout must be non-negative",
		})
	}

	return errs
}

// validateLeases validates lease configuration.
func validateLeases(cfg *LeasesConfig) []FieldError {
	var errs []FieldError

	def, defErr := ledger.ParseUSD(cfg.DefaultGrant)
	if defErr != nil || def <= 0 {
		errs = append(errs, FieldError{
			Field:   "leases.default_grant",
			Message: fmt.Sprintf("invalid amount %q: must be a positive USD amount", cfg.DefaultGrant),
		})
	}
	maxGrant, maxErr := ledger.ParseUSD(cfg.MaxGrant)
	if maxErr != nil || maxGrant <= 0 {
		errs = append(errs, FieldError{
			Field:   "leases.max_grant",
			Message: fmt.Sprintf("invalid amount %q: must be a positive USD amount", cfg.MaxGrant),
		})
	}
	if defErr == nil && maxErr == nil && def > maxGrant {
		errs = append(errs, FieldError{
			Field:   "leases.default_grant",
			Message: "default grant exceeds max grant",
		})
	}

	if cfg.DefaultTTL < 0 {
		errs = append(errs, FieldError{
			Field:   "leases.default_ttl",
			Message: "default ttl must be non-negative",
		})
	}
	if cfg.StaleThreshold <= 0 {
		errs = append(errs, FieldError{
			Field:   "leases.stale_threshold",
			Message: "stale threshold must be positive",
		})
	}
	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "leases.sweep_schedule",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}

	return errs
}

// validateWorkflow validates workflow configuration.
func validateWorkflow(cfg *WorkflowConfig) []FieldError {
	var errs []FieldError

	if cfg.MinJustification < 0 || cfg.MinJustification > cfg.MaxJustification {
		errs = append(errs, FieldError{
			Field:   "workflow.min_justification",
			Message: "min justification must be between 0 and max justification",
		})
	}
	if cfg.MinReason < 0 || cfg.MinReason > cfg.MaxReason {
		errs = append(errs, FieldError{
			Field:   "workflow.min_reason",
			Message: "min reason must be between 0 and max reason",
		})
	}
	if v, err := ledger.ParseUSD(cfg.MaxRequestedBudget); err != nil || v <= 0 {
		errs = append(errs, FieldError{
			Field:   "workflow.max_requested_budget",
			Message: fmt.Sprintf("invalid amount %q: must be a positive USD amount", cfg.MaxRequestedBudget),
		})
	}

	return errs
}

// validatePricing validates pricing configuration.
func validatePricing(cfg *PricingConfig) []FieldError {
	var errs []FieldError

	if cfg.Format != "" && cfg.Format != "yaml" && cfg.Format != "litellm" {
		errs = append(errs, FieldError{
			Field:   "pricing.format",
			Message: fmt.Sprintf("invalid format %q: must be 'yaml' or 'litellm'", cfg.Format),
		})
	}
	if cfg.DefaultMaxOutputTokens <= 0 {
		errs = append(errs, FieldError{
			Field:   "pricing.default_max_output_tokens",
			Message: "default max output tokens must be positive",
		})
	}
	if cfg.Watch && cfg.File == "" {
		errs = append(errs, FieldError{
			Field:   "pricing.watch",
			Message: "watch requires a pricing file",
		})
	}

	return errs
}

// validateNotify validates notification configuration.
func validateNotify(cfg *NotifyConfig) []FieldError {
	var errs []FieldError

	if !cfg.Redis.Enabled {
		return errs
	}
	if _, _, err := net.SplitHostPort(cfg.Redis.Addr); err != nil {
		errs = append(errs, FieldError{
			Field:   "notify.redis.addr",
			Message: fmt.Sprintf("invalid address %q: must be host:port", cfg.Redis.Addr),
		})
	}
	if cfg.Redis.DB < 0 {
		errs = append(errs, FieldError{
			Field:   "notify.redis.db",
			Message: "db must be non-negative",
		})
	}
	if cfg.Redis.Channel == "" {
		errs = append(errs, FieldError{
			Field:   "notify.redis.channel",
			Message: "channel is required when redis is enabled",
		})
	}

	return errs
}

// validateAudit validates audit retention configuration.
func validateAudit(cfg *AuditConfig) []FieldError {
	var errs []FieldError

	if cfg.RetentionDays < 0 {
		errs = append(errs, FieldError{
			Field:   "audit.retention_days",
			Message: "retention days must be non-negative",
		})
	}
	if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "audit.prune_schedule",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}

	return errs
}

// validateTelemetry validates telemetry configuration.
func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid logging level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level),
		})
	}

	// Validate logging format
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid logging format %q: must be 'json' or 'text'", cfg.Logging.Format),
		})
	}

	if cfg.Metrics.Enabled {
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.path",
				Message: "metrics path must start with /",
			})
		}
		if _, _, err := net.SplitHostPort(cfg.Metrics.ListenAddress); err != nil {
			errs = append(errs, FieldError{
				Field:   "telemetry.metrics.listen_address",
				Message: fmt.Sprintf("invalid address %q: must be host:port", cfg.Metrics.ListenAddress),
			})
		}
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.endpoint",
			Message: "tracing endpoint is required when tracing is enabled",
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1.0 {
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sample_ratio",
			Message: "sample ratio must be between 0.0 and 1.0",
		})
	}

	return errs
}
