package config

import (
	"fmt"
	"sync"
)

var (
	// current holds the process-wide configuration.
	current *Config

	// mu protects current.
	mu sync.RWMutex

	// initOnce guards Initialize.
	initOnce sync.Once
)

// Initialize loads configuration from path with environment overrides and
// installs it as the process-wide configuration. Only the first call has
// any effect; later calls return nil without reloading.
func Initialize(path string) error {
	var initErr error

	initOnce.Do(func() {
		cfg, err := LoadConfigWithEnvOverrides(path)
		if err != nil {
			initErr = err
			return
		}
		SetConfig(cfg)
	})

	return initErr
}

// GetConfig returns the process-wide configuration, or nil before a
// successful Initialize.
//
// Library code should take a *Config explicitly; the singleton is for the
// command layer.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetConfig replaces the process-wide configuration. Tests use it to
// install a fixture.
func SetConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	current = cfg
}

// ReloadConfig loads path again and swaps it in. On failure the existing
// configuration stays in place.
func ReloadConfig(path string) error {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	SetConfig(cfg)
	return nil
}

// MustGetConfig is GetConfig for code that only runs after startup. It
// panics when nothing has been loaded.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}
