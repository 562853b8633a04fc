package config

import "time"

// Default values for configuration fields.
const (
	// Storage defaults
	DefaultStorageBackend           = "sqlite"
	DefaultSQLitePath               = "data/ledger.db"
	DefaultSQLiteDriver             = "modernc"
	DefaultSQLiteBusyTimeout        = 5 * time.Second
	DefaultSQLiteCheckpointInterval = 5 * time.Minute
	DefaultPostgresMaxConns         = int32(10)

	// Coordinator defaults
	DefaultCoordinatorShards           = 4
	DefaultCoordinatorQueueSize        = 1024
	DefaultCoordinatorSubscriberBuffer = 256
	DefaultCoordinatorRetryAttempts    = uint(5)
	DefaultCoordinatorRetryDelay       = 50 * time.Millisecond
	DefaultCoordinatorMaxRetryDelay    = 5 * time.Second
	DefaultCoordinatorWriteTimeout     = 5 * time.Second
	DefaultCoordinatorShutdownTimeout  = 30 * time.Second

	// Lease defaults
	DefaultLeaseGrant          = "10.00"
	DefaultLeaseMaxGrant       = "100.00"
	DefaultLeaseStaleThreshold = 15 * time.Minute
	DefaultLeaseSweepSchedule  = "@every 1m"

	// Workflow defaults
	DefaultMinJustification   = 20
	DefaultMaxJustification   = 500
	DefaultMinReason          = 10
	DefaultMaxReason          = 500
	DefaultMaxRequestedBudget = "10000.00"

	// Pricing defaults
	DefaultPricingMaxOutputTokens = int64(128000)
	DefaultPricingWatchDebounce   = 100 * time.Millisecond

	// Notify defaults
	DefaultRedisChannel = "ledger:notifications"

	// Audit defaults
	DefaultAuditPruneSchedule = "0 3 * * *"

	// Secrets defaults
	DefaultSecretsEnvPrefix = "LEDGER_SECRET_"

	// Logging defaults
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Metrics defaults
	DefaultMetricsEnabled       = true
	DefaultMetricsPath          = "/metrics"
	DefaultMetricsListenAddress = "127.0.0.1:9090"

	// Tracing defaults
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingServiceName = "mercator-ledger"
	DefaultTracingSampleRatio = 1.0
	DefaultTracingTimeout     = 10 * time.Second
)

// Default returns a configuration with every default applied. Boolean
// fields whose default is true are set here, so YAML unmarshalled on top of
// the result can still turn them off.
func Default() *Config {
	cfg := &Config{}
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultSQLitePath
	}
	if cfg.Storage.SQLite.Driver == "" {
		cfg.Storage.SQLite.Driver = DefaultSQLiteDriver
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if cfg.Storage.SQLite.CheckpointInterval == 0 {
		cfg.Storage.SQLite.CheckpointInterval = DefaultSQLiteCheckpointInterval
	}
	if cfg.Storage.Postgres.MaxConns == 0 {
		cfg.Storage.Postgres.MaxConns = DefaultPostgresMaxConns
	}

	// Coordinator defaults
	if cfg.Coordinator.Shards == 0 {
		cfg.Coordinator.Shards = DefaultCoordinatorShards
	}
	if cfg.Coordinator.QueueSize == 0 {
		cfg.Coordinator.QueueSize = DefaultCoordinatorQueueSize
	}
	if cfg.Coordinator.SubscriberBuffer == 0 {
		cfg.Coordinator.SubscriberBuffer = DefaultCoordinatorSubscriberBuffer
	}
	if cfg.Coordinator.RetryAttempts == 0 {
		cfg.Coordinator.RetryAttempts = DefaultCoordinatorRetryAttempts
	}
	if cfg.Coordinator.RetryDelay == 0 {
		cfg.Coordinator.RetryDelay = DefaultCoordinatorRetryDelay
	}
	if cfg.Coordinator.MaxRetryDelay == 0 {
		cfg.Coordinator.MaxRetryDelay = DefaultCoordinatorMaxRetryDelay
	}
	if cfg.Coordinator.WriteTimeout == 0 {
		cfg.Coordinator.WriteTimeout = DefaultCoordinatorWriteTimeout
	}
	if cfg.Coordinator.ShutdownTimeout == 0 {
		cfg.Coordinator.ShutdownTimeout = DefaultCoordinatorShutdownTimeout
	}

	// Lease defaults
	if cfg.Leases.DefaultGrant == "" {
		cfg.Leases.DefaultGrant = DefaultLeaseGrant
	}
	if cfg.Leases.MaxGrant == "" {
		cfg.Leases.MaxGrant = DefaultLeaseMaxGrant
	}
	if cfg.Leases.StaleThreshold == 0 {
		cfg.Leases.StaleThreshold = DefaultLeaseStaleThreshold
	}
	if cfg.Leases.SweepSchedule == "" {
		cfg.Leases.SweepSchedule = DefaultLeaseSweepSchedule
	}

	// Workflow defaults
	if cfg.Workflow.MinJustification == 0 {
		cfg.Workflow.MinJustification = DefaultMinJustification
	}
	if cfg.Workflow.MaxJustification == 0 {
		cfg.Workflow.MaxJustification = DefaultMaxJustification
	}
	if cfg.Workflow.MinReason == 0 {
		cfg.Workflow.MinReason = DefaultMinReason
	}
	if cfg.Workflow.MaxReason == 0 {
		cfg.Workflow.MaxReason = DefaultMaxReason
	}
	if cfg.Workflow.MaxRequestedBudget == "" {
		cfg.Workflow.MaxRequestedBudget = DefaultMaxRequestedBudget
	}

	// Pricing defaults
	if cfg.Pricing.DefaultMaxOutputTokens == 0 {
		cfg.Pricing.DefaultMaxOutputTokens = DefaultPricingMaxOutputTokens
	}
	if cfg.Pricing.WatchDebounce == 0 {
		cfg.Pricing.WatchDebounce = DefaultPricingWatchDebounce
	}

	// Notify defaults
	if cfg.Notify.Redis.Channel == "" {
		cfg.Notify.Redis.Channel = DefaultRedisChannel
	}

	// Audit defaults
	if cfg.Audit.PruneSchedule == "" {
		cfg.Audit.PruneSchedule = DefaultAuditPruneSchedule
	}

	// Secrets defaults
	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = DefaultSecretsEnvPrefix
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

// applyTelemetryDefaults fills logging, metrics and tracing defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = DefaultMetricsListenAddress
	}

	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = DefaultTracingServiceName
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if cfg.Tracing.Timeout == 0 {
		cfg.Tracing.Timeout = DefaultTracingTimeout
	}
}
