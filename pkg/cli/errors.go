package cli

import (
	"errors"
	"fmt"

	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/costs"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/storage"
)

// ConfigError represents an error in configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitNotFound    = 3
	ExitRejected    = 4
	ExitConflict    = 5
	ExitQuarantined = 6
	ExitMigration   = 7
)

// ExitCode maps an error to a process exit code.
//
//   - 2: configuration or input problems
//   - 3: unknown agent, lease, request or model
//   - 4: the ledger refused the operation (budget, lease or risk checks)
//   - 5: a decided request or duplicate registration
//   - 6: the entity is quarantined
//   - 7: the store needs a legacy data migration
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var cfgErr *ConfigError
	var valErr config.ValidationError
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &valErr),
		errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, costs.ErrInvalidTokens):
		return ExitUsage
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, costs.ErrUnknownModel):
		return ExitNotFound
	case errors.Is(err, ledger.ErrInsufficientBudget), errors.Is(err, ledger.ErrLeaseExhausted),
		errors.Is(err, ledger.ErrLeaseNotActive), errors.Is(err, ledger.ErrRiskNotAcknowledged),
		errors.Is(err, ledger.ErrBelowCommitted), errors.Is(err, ledger.ErrStaleRequest):
		return ExitRejected
	case errors.Is(err, ledger.ErrRequestNotPending), errors.Is(err, ledger.ErrAlreadyExists):
		return ExitConflict
	case errors.Is(err, ledger.ErrInvariantViolation):
		return ExitQuarantined
	case errors.Is(err, storage.ErrLegacyMigrationRequired):
		return ExitMigration
	default:
		return ExitFailure
	}
}
