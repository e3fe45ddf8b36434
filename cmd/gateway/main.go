// Command gateway runs the message fabric's gateway process: it terminates
// publisher connections, buffers their traffic in a bounded forwarding
// queue, and ships it to the broker.
//
// Usage: gateway [config.yaml]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinyfabric/mesh/internal/config"
	"github.com/tinyfabric/mesh/internal/gateway"
	"github.com/tinyfabric/mesh/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Printf("[gateway] fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	path := "gateway.yaml"
	if len(os.Args) >= 2 {
		path = os.Args[1]
	}
	cfg, err := config.LoadGateway(path)
	if err != nil {
		return err
	}

	reader := telemetry.NewReader()
	var svc *gateway.Service
	queueDepthFn := func() int64 {
		if svc == nil {
			return 0
		}
		return int64(svc.QueueLen())
	}
	metrics, err := telemetry.NewGatewayMetrics(reader, queueDepthFn)
	if err != nil {
		return fmt.Errorf("gateway: telemetry setup: %w", err)
	}

	svc = gateway.NewService(*cfg, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("[gateway] shutdown signal received")
		cancel()
	}()

	return svc.Start(ctx)
}
