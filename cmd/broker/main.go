// Command broker runs the message fabric's broker process: it accepts
// publisher, subscriber, and gateway connections on one listening port and
// fans out topic-addressed messages.
//
// Usage: broker [config.yaml|port]
//
// A single positional argument is either a YAML config path or a bare
// decimal port number overriding the default listen address, matching the
// positional-port convention of this service's original implementation.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/tinyfabric/mesh/internal/broker"
	"github.com/tinyfabric/mesh/internal/config"
	"github.com/tinyfabric/mesh/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Printf("[broker] fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reader := telemetry.NewReader()
	metrics, err := telemetry.NewBrokerMetrics(reader)
	if err != nil {
		return fmt.Errorf("broker: telemetry setup: %w", err)
	}

	svc := broker.NewService(*cfg, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[broker] shutdown signal received")
		cancel()
	}()

	return svc.Start(ctx)
}

func loadConfig() (*config.BrokerConfig, error) {
	if len(os.Args) < 2 {
		return config.LoadBroker("broker.yaml")
	}
	arg := os.Args[1]
	if port, err := strconv.Atoi(arg); err == nil {
		cfg, err := config.LoadBroker("broker.yaml")
		if err != nil {
			return nil, err
		}
		cfg.Listen = fmt.Sprintf(":%d", port)
		return cfg, nil
	}
	return config.LoadBroker(arg)
}
