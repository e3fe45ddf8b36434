package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBrokerDefaults(t *testing.T) {
	cfg, err := LoadBroker(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadBroker: %v", err)
	}
	if cfg.Listen != DefaultBrokerListen {
		t.Fatalf("expected default listen %q, got %q", DefaultBrokerListen, cfg.Listen)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("expected default max_connections %d, got %d", DefaultMaxConnections, cfg.MaxConnections)
	}
}

func TestLoadGatewayFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	contents := "listen: \":7000\"\nbroker_address: \"10.0.0.1:5000\"\nqueue_capacity: 500\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadGateway(path)
	if err != nil {
		t.Fatalf("LoadGateway: %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Fatalf("got listen %q", cfg.Listen)
	}
	if cfg.BrokerAddress != "10.0.0.1:5000" {
		t.Fatalf("got broker_address %q", cfg.BrokerAddress)
	}
	if cfg.QueueCapacity != 500 {
		t.Fatalf("got queue_capacity %d", cfg.QueueCapacity)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("expected default max_connections when unset, got %d", cfg.MaxConnections)
	}
}

func TestLoadGatewayNegativeQueueCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("queue_capacity: -1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadGateway(path); err == nil {
		t.Fatalf("expected error for negative queue_capacity")
	}
}
