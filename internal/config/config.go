// Package config loads the YAML configuration for the broker and gateway
// binaries, following the same read-unmarshal-default-validate shape the
// rest of this code's ancestry uses for its own YAML configs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BrokerConfig configures the broker process.
type BrokerConfig struct {
	Listen         string `yaml:"listen"`
	MaxConnections int    `yaml:"max_connections"`
	Debug          bool   `yaml:"debug"`
}

// GatewayConfig configures the gateway process.
type GatewayConfig struct {
	Listen         string `yaml:"listen"`
	BrokerAddress  string `yaml:"broker_address"`
	QueueCapacity  int    `yaml:"queue_capacity"`
	MaxConnections int    `yaml:"max_connections"`
	Debug          bool   `yaml:"debug"`
}

// Defaults mirror spec §6: broker listens on :5000, gateway on :6000 and
// dials the broker at 127.0.0.1:5000. The descriptor cap of spec §6 becomes
// MaxConnections, enforced with netutil.LimitListener rather than a
// fixed-size array.
const (
	DefaultBrokerListen   = ":5000"
	DefaultGatewayListen  = ":6000"
	DefaultBrokerAddress  = "127.0.0.1:5000"
	DefaultMaxConnections = 10000
	DefaultQueueCapacity  = 20000
)

// LoadBroker reads and validates a broker.yaml. A missing or empty Listen
// falls back to the default; MaxConnections <= 0 also falls back (0 in a
// config file reads as "not set", not "reject every connection").
func LoadBroker(filename string) (*BrokerConfig, error) {
	var cfg BrokerConfig
	if err := readYAML(filename, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultBrokerListen
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	return &cfg, nil
}

// LoadGateway reads and validates a gateway.yaml.
func LoadGateway(filename string) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := readYAML(filename, &cfg); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultGatewayListen
	}
	if cfg.BrokerAddress == "" {
		cfg.BrokerAddress = DefaultBrokerAddress
	}
	if cfg.QueueCapacity < 0 {
		return nil, fmt.Errorf("config: queue_capacity cannot be negative: %d", cfg.QueueCapacity)
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	return &cfg, nil
}

// readYAML loads filename into out. A missing file is not an error here —
// both Load functions are meant to be called with a fallback default path
// that may simply not exist yet, in which case the caller gets all-zero
// values and applies its own defaults.
func readYAML(filename string, out interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", filename, err)
	}
	return nil
}
