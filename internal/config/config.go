// Package config loads YAML configuration for the transit-demo and
// transit-monitor binaries, following a Default*Config + Load*Config(path)
// pattern.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DemoConfig configures cmd/transit-demo, a sender or receiver exercising
// one Transit channel end to end.
type DemoConfig struct {
	Role         string   `yaml:"role"` // "sender" or "receiver"
	TransitKey   string   `yaml:"transit_key"` // hex-encoded, 32 bytes
	TransitRelay string   `yaml:"transit_relay"`
	STUNServers  []string `yaml:"stun_servers"`
	LogLevel     string   `yaml:"log_level"`
}

// MonitorConfig configures cmd/transit-monitor, the session ledger +
// control API server.
type MonitorConfig struct {
	Listen    string      `yaml:"listen"`
	Database  string      `yaml:"database"`
	JWTSecret string      `yaml:"jwt_secret"`
	Admin     AdminConfig `yaml:"admin"`
	LogLevel  string      `yaml:"log_level"`
}

// AdminConfig is the default admin account created on first run.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultDemoConfig returns a config with sensible defaults.
func DefaultDemoConfig() *DemoConfig {
	return &DemoConfig{
		Role:     "sender",
		LogLevel: "info",
	}
}

// DefaultMonitorConfig returns a config with sensible defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Listen:    "0.0.0.0:9495",
		Database:  "sqlite://transit-monitor.db",
		JWTSecret: "change-me-in-production",
		Admin: AdminConfig{
			Username: "admin",
			Password: "admin",
		},
		LogLevel: "info",
	}
}

// LoadDemoConfig loads the demo config from a YAML file.
func LoadDemoConfig(path string) (*DemoConfig, error) {
	cfg := DefaultDemoConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load demo config: %w", err)
	}
	return cfg, nil
}

// LoadMonitorConfig loads the monitor config from a YAML file.
func LoadMonitorConfig(path string) (*MonitorConfig, error) {
	cfg := DefaultMonitorConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load monitor config: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
