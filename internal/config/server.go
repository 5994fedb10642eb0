// Package config holds the YAML-loadable configuration for the server and
// edge binaries, following the teacher's config.Root: a flat struct with
// yaml tags, defaults filled in first and the YAML file unmarshalled over
// them, so keys absent from the file keep their default values.
package config

import (
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the core-relevant server configuration (spec.md 6).
type ServerConfig struct {
	ControlPort int `yaml:"controlPort"`
	TunnelPort  int `yaml:"tunnelPort"`
	PublicPort  int `yaml:"publicPort"`

	// PoolSize is the desired idle-tunnel depth per edge. 0 disables
	// pre-warming and forces every public request onto the slow path.
	PoolSize uint `yaml:"poolSize"`

	// RefillInterval is how often the pool-refill task scans registrations.
	RefillInterval CustomDuration `yaml:"refillInterval"`
	// GreetTimeout bounds how long the refill task waits for a greeting
	// before reclaiming the slot.
	GreetTimeout CustomDuration `yaml:"greetTimeout"`
	// DispatchTimeout bounds the slow-path wait for a greeting on behalf
	// of a public connection.
	DispatchTimeout CustomDuration `yaml:"dispatchTimeout"`

	// TokenSniffTimeout bounds how long the dispatcher waits for a
	// complete token-bearing prefix from a public connection.
	TokenSniffTimeout CustomDuration `yaml:"tokenSniffTimeout"`
	// TokenSniffMaxBytes caps the sniff buffer.
	TokenSniffMaxBytes int `yaml:"tokenSniffMaxBytes"`

	// MaxConnections bounds the number of simultaneously spliced public
	// connections, enforced via a bounded worker pool.
	MaxConnections int `yaml:"maxConnections"`

	MetricsAddr string `yaml:"metricsAddr"`

	LogLevel string `yaml:"logLevel"`
}

// DefaultServerConfig returns the sensible default set from spec.md 4.3/4.4/5.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ControlPort:        17001,
		TunnelPort:         17002,
		PublicPort:         17003,
		PoolSize:           4,
		RefillInterval:     CustomDuration{seconds(5)},
		GreetTimeout:       CustomDuration{seconds(30)},
		DispatchTimeout:    CustomDuration{seconds(10)},
		TokenSniffTimeout:  CustomDuration{millis(200)},
		TokenSniffMaxBytes: 8 * 1024,
		MaxConnections:     4096,
		MetricsAddr:        "localhost:0",
		LogLevel:           "info",
	}
}

// LoadServerConfig reads and merges a YAML file (if path is non-empty) over
// DefaultServerConfig.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: expand server config path")
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read server config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse server config")
	}
	return cfg, nil
}
