package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"mercator-hq/ledger/pkg/config"
)

var refPattern = regexp.MustCompile(`\$\{secret:([^}]+)\}`)

// Resolver replaces secret references using providers in order.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver that tries providers in order.
func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{
		providers: providers,
		logger:    slog.Default().With("component", "secrets"),
	}
}

// FromConfig builds the resolver described by cfg: the file provider when
// secrets.dir is set, then the environment provider.
func FromConfig(cfg config.SecretsConfig) (*Resolver, error) {
	var providers []Provider
	if cfg.Dir != "" {
		fp, err := NewFileProvider(cfg.Dir)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fp)
	}
	providers = append(providers, NewEnvProvider(cfg.EnvPrefix))
	return NewResolver(providers...), nil
}

// GetSecret returns the value from the first provider that has name.
func (r *Resolver) GetSecret(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, p := range r.providers {
		value, err := p.GetSecret(ctx, name)
		if err == nil {
			r.logger.Debug("secret resolved", "provider", p.Name(), "name", redact(name))
			return value, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("secret %q: no providers configured", name)
	}
	return "", fmt.Errorf("secret %q not found: %w", name, errors.Join(errs...))
}

// Resolve replaces every ${secret:name} in input. Unresolvable references
// are an error; the input is returned unchanged in that case.
func (r *Resolver) Resolve(ctx context.Context, input string) (string, error) {
	var errs []error
	output := refPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := refPattern.FindStringSubmatch(match)[1]
		value, err := r.GetSecret(ctx, name)
		if err != nil {
			errs = append(errs, err)
			return match
		}
		return value
	})
	if len(errs) > 0 {
		return input, errors.Join(errs...)
	}
	return output, nil
}

// ResolveConfig returns a copy of cfg with secret references in the
// credential fields resolved. cfg itself is not modified.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) (*config.Config, error) {
	out := *cfg
	fields := []struct {
		name string
		dst  *string
	}{
		{"storage.postgres.dsn", &out.Storage.Postgres.DSN},
		{"notify.redis.password", &out.Notify.Redis.Password},
	}
	for _, f := range fields {
		v, err := r.Resolve(ctx, *f.dst)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return &out, nil
}

// redact keeps the first and last two characters of a secret name.
func redact(name string) string {
	if len(name) <= 4 {
		return "***"
	}
	return name[:2] + "..." + name[len(name)-2:]
}
