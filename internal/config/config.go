// Package config loads the fabric's operating settings. Grounded on
// cellorg's internal/config/config.go: a yaml.v3-decoded struct with
// defaults filled in before validation, trimmed of the GOX-specific
// pool/cells orchestration concepts that don't apply to a generic IPC
// fabric, and extended with the BUS_NAME / HUB_DEFAULT_TIMEOUT_MS
// environment overrides from spec §6's Environment section.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig describes how the bus's TCP listener is configured.
type BrokerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// HubConfig describes a process's own hub defaults.
type HubConfig struct {
	Name             string        `yaml:"name"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
	SubscriptionWait time.Duration `yaml:"subscription_block_deadline"`
}

// Config is the top-level settings document.
type Config struct {
	// BusName is the room every hub built from this config joins unless
	// told otherwise; overridden by BUS_NAME (spec §6).
	BusName string       `yaml:"bus_name"`
	Broker  BrokerConfig `yaml:"broker"`
	Hub     HubConfig    `yaml:"hub"`
}

// Default returns the baseline configuration applied before any file or
// environment override.
func Default() *Config {
	return &Config{
		BusName: "default",
		Broker: BrokerConfig{
			Host:  "127.0.0.1",
			Port:  7800,
			Debug: false,
		},
		Hub: HubConfig{
			Name:             "default",
			DefaultTimeout:   30 * time.Second,
			ShutdownGrace:    2 * time.Second,
			SubscriptionWait: time.Second,
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, applies
// environment overrides, and validates the result. A missing path is not
// an error: the fabric is expected to run with pure defaults during tests
// and simple embeddings, matching cellorg's Load behavior for an absent
// optional config file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers BUS_NAME and HUB_DEFAULT_TIMEOUT_MS on top of
// whatever the config file or defaults set, per spec §6.
func applyEnvOverrides(cfg *Config) {
	if name := os.Getenv("BUS_NAME"); name != "" {
		cfg.BusName = name
	}
	if ms := os.Getenv("HUB_DEFAULT_TIMEOUT_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n > 0 {
			cfg.Hub.DefaultTimeout = time.Duration(n) * time.Millisecond
		}
	}
}

// Validate checks the settings a process cannot safely start without.
func (c *Config) Validate() error {
	if c.BusName == "" {
		return fmt.Errorf("config: bus_name must not be empty")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("config: broker.port %d is out of range", c.Broker.Port)
	}
	if c.Hub.Name == "" {
		return fmt.Errorf("config: hub.name must not be empty")
	}
	if c.Hub.DefaultTimeout <= 0 {
		return fmt.Errorf("config: hub.default_timeout must be positive")
	}
	return nil
}

// Addr returns the broker's dial/listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Broker.Host, c.Broker.Port)
}
