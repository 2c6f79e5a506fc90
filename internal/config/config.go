// Package config handles gbridged daemon configuration.
//
// Config is stored at $XDG_CONFIG_HOME/gbridge/gbridged.yaml (defaults to
// ~/.config/gbridge/gbridged.yaml), following the same XDG-first lookup
// the rest of this project's CLI tooling uses.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SerialTransport configures the serial/termios module transport.
type SerialTransport struct {
	Enabled bool   `yaml:"enabled"`
	Device  string `yaml:"device,omitempty"`
	Baud    int    `yaml:"baud,omitempty"`
}

// TCPIPTransport configures the TCP/mDNS module transport.
type TCPIPTransport struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port,omitempty"`
	ServiceID string `yaml:"service_id,omitempty"` // mDNS service instance name
}

// BluetoothTransport configures the RFCOMM module transport.
type BluetoothTransport struct {
	Enabled bool   `yaml:"enabled"`
	Adapter string `yaml:"adapter,omitempty"` // BlueZ adapter object path, e.g. hci0
}

// SimulatorTransport configures the in-process manifest-file transport
// used for development without real hardware.
type SimulatorTransport struct {
	Enabled      bool   `yaml:"enabled"`
	ManifestFile string `yaml:"manifest_file,omitempty"`
}

// Transports groups every module transport's configuration. More than one
// may be enabled simultaneously; the routing fabric treats each attached
// controller uniformly regardless of which transport produced it.
type Transports struct {
	Serial    SerialTransport    `yaml:"serial"`
	TCPIP     TCPIPTransport     `yaml:"tcpip"`
	Bluetooth BluetoothTransport `yaml:"bluetooth"`
	Simulator SimulatorTransport `yaml:"simulator"`
}

// Config is gbridged's full daemon configuration.
type Config struct {
	LogLevel   string     `yaml:"log_level,omitempty"` // debug, info, warn, error
	MTU        int        `yaml:"mtu,omitempty"`
	MetricsAddr string    `yaml:"metrics_addr,omitempty"` // listen addr for the Prometheus handler; empty disables it
	Transports Transports `yaml:"transports"`
}

// Default returns the configuration gbridged starts from when no config
// file is present: everything disabled except the simulator, so a fresh
// checkout has something to run against immediately.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		MTU:      2048,
		Transports: Transports{
			Simulator: SimulatorTransport{Enabled: true},
		},
	}
}

// Path returns the config file location, respecting XDG_CONFIG_HOME.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "gbridge", "gbridged.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "gbridge", "gbridged.yaml")
}

// Load reads the config file at Path. If it does not exist, Default is
// returned (not an error) so gbridged always starts with usable settings.
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to disk, creating directories as needed.
func (c *Config) Save() error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
