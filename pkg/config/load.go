package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "LEDGER_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// The configuration is not modified by environment variables; use LoadConfigWithEnvOverrides
// for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	// Fields explicitly emptied in the file fall back to defaults
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention LEDGER_SECTION_FIELD (e.g., LEDGER_STORAGE_BACKEND).
// Environment variables always take precedence over file-based configuration.
// An empty path starts from the defaults instead of a file.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Values that fail to parse are ignored.
func applyEnvOverrides(cfg *Config) {
	// Storage overrides
	envString("STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("STORAGE_SQLITE_PATH", &cfg.Storage.SQLite.Path)
	envString("STORAGE_SQLITE_DRIVER", &cfg.Storage.SQLite.Driver)
	envDuration("STORAGE_SQLITE_BUSY_TIMEOUT", &cfg.Storage.SQLite.BusyTimeout)
	envDuration("STORAGE_SQLITE_CHECKPOINT_INTERVAL", &cfg.Storage.SQLite.CheckpointInterval)
	envString("STORAGE_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	if val := os.Getenv(EnvPrefix + "STORAGE_POSTGRES_MAX_CONNS"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 32); err == nil {
			cfg.Storage.Postgres.MaxConns = int32(i)
		}
	}

	// Coordinator overrides
	envInt("COORDINATOR_SHARDS", &cfg.Coordinator.Shards)
	envInt("COORDINATOR_QUEUE_SIZE", &cfg.Coordinator.QueueSize)
	envInt("COORDINATOR_SUBSCRIBER_BUFFER", &cfg.Coordinator.SubscriberBuffer)
	if val := os.Getenv(EnvPrefix + "COORDINATOR_RETRY_ATTEMPTS"); val != "" {
		if u, err := strconv.ParseUint(val, 10, 32); err == nil {
			cfg.Coordinator.RetryAttempts = uint(u)
		}
	}
	envDuration("COORDINATOR_RETRY_DELAY", &cfg.Coordinator.RetryDelay)
	envDuration("COORDINATOR_MAX_RETRY_DELAY", &cfg.Coordinator.MaxRetryDelay)
	envDuration("COORDINATOR_WRITE_TIMEOUT", &cfg.Coordinator.WriteTimeout)
	envDuration("COORDINATOR_SHUTDOWN_TIMEOUT", &cfg.Coordinator.ShutdownTimeout)

	// Lease overrides
	envString("LEASES_DEFAULT_GRANT", &cfg.Leases.DefaultGrant)
	envString("LEASES_MAX_GRANT", &cfg.Leases.MaxGrant)
	envDuration("LEASES_DEFAULT_TTL", &cfg.Leases.DefaultTTL)
	envDuration("LEASES_STALE_THRESHOLD", &cfg.Leases.StaleThreshold)
	envString("LEASES_SWEEP_SCHEDULE", &cfg.Leases.SweepSchedule)

	// Workflow overrides
	envInt("WORKFLOW_MIN_JUSTIFICATION", &cfg.Workflow.MinJustification)
	envInt("WORKFLOW_MAX_JUSTIFICATION", &cfg.Workflow.MaxJustification)
	envInt("WORKFLOW_MIN_REASON", &cfg.Workflow.MinReason)
	envInt("WORKFLOW_MAX_REASON", &cfg.Workflow.MaxReason)
	envString("WORKFLOW_MAX_REQUESTED_BUDGET", &cfg.Workflow.MaxRequestedBudget)

	// Pricing overrides
	envString("PRICING_FILE", &cfg.Pricing.File)
	envString("PRICING_FORMAT", &cfg.Pricing.Format)
	if val := os.Getenv(EnvPrefix + "PRICING_DEFAULT_MAX_OUTPUT_TOKENS"); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Pricing.DefaultMaxOutputTokens = i
		}
	}
	envBool("PRICING_WATCH", &cfg.Pricing.Watch)
	envDuration("PRICING_WATCH_DEBOUNCE", &cfg.Pricing.WatchDebounce)

	// Notify overrides
	envBool("NOTIFY_REDIS_ENABLED", &cfg.Notify.Redis.Enabled)
	envString("NOTIFY_REDIS_ADDR", &cfg.Notify.Redis.Addr)
	envString("NOTIFY_REDIS_PASSWORD", &cfg.Notify.Redis.Password)
	envInt("NOTIFY_REDIS_DB", &cfg.Notify.Redis.DB)
	envString("NOTIFY_REDIS_CHANNEL", &cfg.Notify.Redis.Channel)

	// Audit overrides
	envInt("AUDIT_RETENTION_DAYS", &cfg.Audit.RetentionDays)
	envString("AUDIT_PRUNE_SCHEDULE", &cfg.Audit.PruneSchedule)
	envString("AUDIT_ARCHIVE_PATH", &cfg.Audit.ArchivePath)

	// Secrets overrides
	envString("SECRETS_DIR", &cfg.Secrets.Dir)
	envString("SECRETS_ENV_PREFIX", &cfg.Secrets.EnvPrefix)

	// Telemetry overrides
	envString("TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("TELEMETRY_LOGGING_ADD_SOURCE", &cfg.Telemetry.Logging.AddSource)
	envBool("TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envString("TELEMETRY_METRICS_LISTEN_ADDRESS", &cfg.Telemetry.Metrics.ListenAddress)
	envBool("TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	envString("TELEMETRY_TRACING_SERVICE_NAME", &cfg.Telemetry.Tracing.ServiceName)
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}
	envBool("TELEMETRY_TRACING_INSECURE", &cfg.Telemetry.Tracing.Insecure)
	envDuration("TELEMETRY_TRACING_TIMEOUT", &cfg.Telemetry.Tracing.Timeout)
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
