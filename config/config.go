// Package config holds the evaluation engine's runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes Go duration strings ("30s", "20m") from YAML.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config contains engine tunables. All durations accept Go duration strings.
type Config struct {
	// ListenAddr is the check server's bind address.
	ListenAddr string `yaml:"listenAddr"`
	// RootNamespace is the namespace whose policies apply mesh-wide.
	RootNamespace string `yaml:"rootNamespace"`
	// ClockSkew is the tolerance applied to exp/nbf/iat checks.
	ClockSkew Duration `yaml:"clockSkew"`

	JWKS JWKSConfig `yaml:"jwks"`
	Log  LogConfig  `yaml:"log"`
}

// JWKSConfig controls the key-set cache.
type JWKSConfig struct {
	// TTL is how long a fetched key set is served without refresh.
	TTL Duration `yaml:"ttl"`
	// Grace is the ceiling past TTL during which stale keys remain usable
	// while refreshes keep failing.
	Grace Duration `yaml:"grace"`
	// FetchTimeout bounds a single key-set fetch.
	FetchTimeout Duration `yaml:"fetchTimeout"`
	// MinRefreshInterval rate-limits kid-miss forced refreshes per entry.
	MinRefreshInterval Duration `yaml:"minRefreshInterval"`
	// Retention is how long an entry survives with no rule referencing it.
	Retention Duration `yaml:"retention"`
}

// LogConfig mirrors zap's encoder and level knobs.
type LogConfig struct {
	// JSON style logs
	JSON bool `yaml:"json"`
	// Log level - models zapcore.Level
	Level int8 `yaml:"level"`
}

// NewConfig returns the default configuration
func NewConfig() *Config {
	return &Config{
		ListenAddr:    ":47304",
		RootNamespace: "istio-system",
		ClockSkew:     Duration(60 * time.Second),
		JWKS: JWKSConfig{
			TTL:                Duration(20 * time.Minute),
			Grace:              Duration(24 * time.Hour),
			FetchTimeout:       Duration(5 * time.Second),
			MinRefreshInterval: Duration(15 * time.Second),
			Retention:          Duration(30 * time.Minute),
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	c := NewConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// Validate checks that the config values are sane.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("clockSkew must not be negative, got %s", c.ClockSkew)
	}
	if c.JWKS.TTL <= 0 {
		return fmt.Errorf("jwks.ttl must be positive, got %s", c.JWKS.TTL)
	}
	if c.JWKS.Grace < c.JWKS.TTL {
		return fmt.Errorf("jwks.grace (%s) must not be below jwks.ttl (%s)", c.JWKS.Grace, c.JWKS.TTL)
	}
	if c.JWKS.FetchTimeout <= 0 {
		return fmt.Errorf("jwks.fetchTimeout must be positive, got %s", c.JWKS.FetchTimeout)
	}
	return nil
}
