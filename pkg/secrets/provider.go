package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider retrieves secrets from one backend.
type Provider interface {
	// GetSecret returns the named secret or an error if it is missing.
	GetSecret(ctx context.Context, name string) (string, error)

	// Name identifies the provider in logs and errors.
	Name() string
}

// EnvProvider reads secrets from environment variables.
//
// Example:
//   - Secret name: "postgres-dsn"
//   - Env var name: "LEDGER_SECRET_POSTGRES_DSN" (with prefix "LEDGER_SECRET_")
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider creates an environment provider with the given prefix.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix}
}

// GetSecret reads the variable for name. Empty values count as missing.
func (p *EnvProvider) GetSecret(_ context.Context, name string) (string, error) {
	envVar := p.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("secret %q not found in environment (env var: %s)", name, envVar)
	}
	return value, nil
}

// Name returns "env".
func (p *EnvProvider) Name() string {
	return "env"
}

// FileProvider reads each secret from a file named after it in Dir.
type FileProvider struct {
	Dir string
}

// NewFileProvider creates a file provider over dir, which must exist.
func NewFileProvider(dir string) (*FileProvider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets path is not a directory: %s", dir)
	}
	return &FileProvider{Dir: dir}, nil
}

// GetSecret reads Dir/name with surrounding whitespace trimmed. The file
// must be a regular file with mode 0600 or 0400.
func (p *FileProvider) GetSecret(_ context.Context, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid secret name %q", name)
	}
	path := filepath.Join(p.Dir, name)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret file not found: %s", name)
		}
		return "", fmt.Errorf("failed to stat secret file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", name)
	}
	if mode := info.Mode().Perm(); mode != 0o600 && mode != 0o400 {
		return "", fmt.Errorf("insecure permissions on %s: %o (expected 0600 or 0400)", path, mode)
	}

	// #nosec G304 - name is a single path element inside Dir
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Name returns "file".
func (p *FileProvider) Name() string {
	return "file"
}
