// Package config provides configuration management for the budget ledger.
//
// Configuration is read from YAML, filled with defaults, optionally
// overridden from the environment and validated as a whole, so every
// problem in a file is reported at once.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("ledger.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("ledger.yaml")
//
// LoadConfigWithEnvOverrides accepts an empty path and starts from Default.
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention LEDGER_SECTION_FIELD:
//
//   - LEDGER_STORAGE_BACKEND overrides storage.backend
//   - LEDGER_STORAGE_POSTGRES_DSN overrides storage.postgres.dsn
//   - LEDGER_LEASES_MAX_GRANT overrides leases.max_grant
//   - LEDGER_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// # Configuration Precedence
//
//  1. Default values (defaults.go)
//  2. Values from the YAML file
//  3. Environment variable overrides
//  4. Validation
//
// # Money
//
// Amounts such as leases.default_grant are USD decimal strings ("10.00").
// They are converted to integer microdollars with ledger.ParseUSD and values
// finer than one microdollar are rejected.
//
// # Singleton
//
//	if err := config.Initialize(path); err != nil {
//	    return err
//	}
//	cfg := config.GetConfig()
package config
