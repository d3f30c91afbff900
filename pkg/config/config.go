// Package config holds the tunables of an objcore runtime: cache geometry,
// cache verification, default instance layout and collector integration.
//
// Values are resolved in order: Default(), an optional YAML file, then
// OBJCORE_* environment variables. Command-line flags are applied by the
// caller on top of the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Instance layout names accepted by DefaultLayout and hierarchy files.
const (
	LayoutInline = "inline"
	LayoutBoxed  = "boxed"
)

// Cache size bounds, as log2 of the number of entries.
const (
	MinCacheBits = 4
	MaxCacheBits = 20
)

// Config is the runtime configuration.
type Config struct {
	// AttrCacheEnabled turns the attribute resolution cache on. Disabling it
	// only changes the cost of attribute access, never its result.
	AttrCacheEnabled bool `yaml:"attr_cache_enabled"`
	// AttrCacheBits is log2 of the attribute cache size.
	AttrCacheBits int `yaml:"attr_cache_bits"`

	MethodCacheEnabled bool `yaml:"method_cache_enabled"`
	MethodCacheBits    int  `yaml:"method_cache_bits"`

	// VerifyCaches re-checks every cache hit against a full lookup and
	// panics on disagreement. Meant for tests and debugging.
	VerifyCaches bool `yaml:"verify_caches"`

	// DefaultLayout is the instance layout for classes that do not pick one.
	DefaultLayout string `yaml:"default_layout"`

	// CollectorCleanup registers a Go runtime cleanup on every weakly
	// referenced instance so that collection sweeps its lifeline.
	CollectorCleanup bool `yaml:"collector_cleanup"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		AttrCacheEnabled:   true,
		AttrCacheBits:      10,
		MethodCacheEnabled: true,
		MethodCacheBits:    10,
		VerifyCaches:       false,
		DefaultLayout:      LayoutInline,
		CollectorCleanup:   true,
		LogLevel:           "info",
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from OBJCORE_* environment variables. Malformed
// values are ignored.
func (c *Config) ApplyEnv() {
	c.AttrCacheEnabled = getEnvBool("OBJCORE_ATTR_CACHE", c.AttrCacheEnabled)
	c.AttrCacheBits = getEnvInt("OBJCORE_ATTR_CACHE_BITS", c.AttrCacheBits)
	c.MethodCacheEnabled = getEnvBool("OBJCORE_METHOD_CACHE", c.MethodCacheEnabled)
	c.MethodCacheBits = getEnvInt("OBJCORE_METHOD_CACHE_BITS", c.MethodCacheBits)
	c.VerifyCaches = getEnvBool("OBJCORE_VERIFY_CACHES", c.VerifyCaches)
	c.CollectorCleanup = getEnvBool("OBJCORE_COLLECTOR_CLEANUP", c.CollectorCleanup)
	if v := os.Getenv("OBJCORE_DEFAULT_LAYOUT"); v != "" {
		c.DefaultLayout = strings.ToLower(v)
	}
	if v := os.Getenv("OBJCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.AttrCacheBits < MinCacheBits || c.AttrCacheBits > MaxCacheBits {
		return fmt.Errorf("attr_cache_bits must be in [%d, %d], got %d", MinCacheBits, MaxCacheBits, c.AttrCacheBits)
	}
	if c.MethodCacheBits < MinCacheBits || c.MethodCacheBits > MaxCacheBits {
		return fmt.Errorf("method_cache_bits must be in [%d, %d], got %d", MinCacheBits, MaxCacheBits, c.MethodCacheBits)
	}
	switch c.DefaultLayout {
	case LayoutInline, LayoutBoxed:
	default:
		return fmt.Errorf("default_layout must be %q or %q, got %q", LayoutInline, LayoutBoxed, c.DefaultLayout)
	}
	return nil
}

// getEnvBool reads a boolean environment variable with a default value
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvInt reads an integer environment variable with a default value
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
