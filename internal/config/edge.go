package config

import (
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EdgeConfig is the core-relevant edge configuration (spec.md 6).
type EdgeConfig struct {
	ServerHost  string `yaml:"serverHost"`
	ControlPort int    `yaml:"controlPort"`
	TunnelPort  int    `yaml:"tunnelPort"`

	// ClientID is opaque and must be supplied; auto-derivation is external
	// to this core (spec.md 1, "Out of scope").
	ClientID string `yaml:"clientId"`

	// LocalAddr/LocalPort select pass-through mode: the edge dials this
	// plain TCP address for every tunnel it is handed. Command mode
	// (an in-process HTTP handler) is external to this core. CommandMode is
	// loaded from the file but not consulted by this core; an embedder
	// selects command mode by passing its own Dialer to edge.New.
	LocalAddr  string `yaml:"localAddr"`
	LocalPort  int    `yaml:"localPort"`
	CommandMode bool  `yaml:"commandMode"`

	ReconnectBaseDelay CustomDuration `yaml:"reconnectBaseDelay"`
	ReconnectMaxDelay  CustomDuration `yaml:"reconnectMaxDelay"`

	// MaxConnections bounds the number of simultaneously spliced tunnel
	// workers this edge process will run, mirroring the server's
	// per-process connection cap (spec.md 5).
	MaxConnections int `yaml:"maxConnections"`

	LogLevel string `yaml:"logLevel"`
}

// DefaultEdgeConfig returns the defaults from spec.md 4.5.
func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{
		ServerHost:         "127.0.0.1",
		ControlPort:        17001,
		TunnelPort:         17002,
		ReconnectBaseDelay: CustomDuration{seconds(1)},
		ReconnectMaxDelay:  CustomDuration{seconds(30)},
		MaxConnections:     256,
		LogLevel:           "info",
	}
}

// LoadEdgeConfig reads and merges a YAML file (if path is non-empty) over
// DefaultEdgeConfig.
func LoadEdgeConfig(path string) (EdgeConfig, error) {
	cfg := DefaultEdgeConfig()
	if path == "" {
		return cfg, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: expand edge config path")
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read edge config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse edge config")
	}
	return cfg, nil
}
