// Package config loads the runtime's tunables from an adaptivec.toml file.
// Everything has a default, so the library runs with zero configuration.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// Config carries the tiering thresholds and dispatch limits.
type Config struct {
	// ProfilingThreshold is how many profiled invocations a function takes
	// before its first compile.
	ProfilingThreshold int `toml:"profiling_threshold"`

	// CacheLimit is how many polymorphic inline-cache entries a call site
	// accumulates before going megamorphic.
	CacheLimit int `toml:"cache_limit"`

	// MaxInlinedArgs is the widest direct invoke path; calls above it
	// spread their arguments through an array.
	MaxInlinedArgs int `toml:"max_inlined_args"`

	// RecompileGraceInvocations is carried and validated (must be >= 0);
	// no code in this module reads it to trigger a recompile.
	RecompileGraceInvocations int `toml:"recompile_grace_invocations"`

	// LogLevel feeds the obs logger: debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// Default returns the tunables the runtime ships with.
func Default() *Config {
	return &Config{
		ProfilingThreshold:        100,
		CacheLimit:                3,
		MaxInlinedArgs:            4,
		RecompileGraceInvocations: 50,
		LogLevel:                  "info",
	}
}

// Load reads path over the defaults: fields absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every out-of-range field at once.
func (c *Config) Validate() error {
	var err error
	if c.ProfilingThreshold < 1 {
		err = multierr.Append(err, fmt.Errorf("config: profiling_threshold must be >= 1, got %d", c.ProfilingThreshold))
	}
	if c.CacheLimit < 1 {
		err = multierr.Append(err, fmt.Errorf("config: cache_limit must be >= 1, got %d", c.CacheLimit))
	}
	if c.MaxInlinedArgs < 0 {
		err = multierr.Append(err, fmt.Errorf("config: max_inlined_args must be >= 0, got %d", c.MaxInlinedArgs))
	}
	if c.RecompileGraceInvocations < 0 {
		err = multierr.Append(err, fmt.Errorf("config: recompile_grace_invocations must be >= 0, got %d", c.RecompileGraceInvocations))
	}
	return err
}
