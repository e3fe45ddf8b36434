// Package telemetry exports the operator-facing counters and gauges spec
// §9 calls for ("a counter should be exported so operators can observe
// loss"): fanout delivery counts and subscriber evictions on the broker
// side, forwarding-queue drops and depth on the gateway side.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Reader wraps a manual OpenTelemetry reader: this module has no upstream
// collector to ship metrics to, so rather than wire in an OTLP exporter for
// a destination that doesn't exist, readings are pulled on demand (e.g. by
// a future debug endpoint or a test) via Snapshot.
type Reader struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// NewReader constructs a MeterProvider backed by a ManualReader.
func NewReader() *Reader {
	r := sdkmetric.NewManualReader()
	return &Reader{
		reader:   r,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(r)),
	}
}

// Snapshot collects the current state of every registered instrument.
func (r *Reader) Snapshot(ctx context.Context) (*metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("telemetry: collect: %w", err)
	}
	return &rm, nil
}

// BrokerMetrics are the instruments the broker publishes to.
type BrokerMetrics struct {
	fanoutDeliveries metric.Int64Counter
	evictions        metric.Int64Counter
}

// NewBrokerMetrics registers the broker's instruments against the given
// reader's provider.
func NewBrokerMetrics(r *Reader) (*BrokerMetrics, error) {
	meter := r.provider.Meter("tinyfabric/mesh/broker")
	fanout, err := meter.Int64Counter("broker.fanout.deliveries",
		metric.WithDescription("messages delivered via topic fanout"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: fanout counter: %w", err)
	}
	evictions, err := meter.Int64Counter("broker.subscriber.evictions",
		metric.WithDescription("subscribers evicted from topic sets after a fatal write error"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: eviction counter: %w", err)
	}
	return &BrokerMetrics{fanoutDeliveries: fanout, evictions: evictions}, nil
}

// RecordFanout adds n delivered copies to the fanout counter.
func (m *BrokerMetrics) RecordFanout(ctx context.Context, n int64) {
	if n == 0 {
		return
	}
	m.fanoutDeliveries.Add(ctx, n)
}

// RecordEviction records one subscriber eviction.
func (m *BrokerMetrics) RecordEviction(ctx context.Context) {
	m.evictions.Add(ctx, 1)
}

// GatewayMetrics are the instruments the gateway publishes to.
type GatewayMetrics struct {
	drops metric.Int64Counter
	depth metric.Int64ObservableGauge
}

// NewGatewayMetrics registers the gateway's instruments. depthFn is polled
// whenever a reader collects, and should return the forwarding queue's
// current length.
func NewGatewayMetrics(r *Reader, depthFn func() int64) (*GatewayMetrics, error) {
	meter := r.provider.Meter("tinyfabric/mesh/gateway")
	drops, err := meter.Int64Counter("gateway.queue.drops",
		metric.WithDescription("items evicted from the forwarding queue under overflow"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: drop counter: %w", err)
	}
	depth, err := meter.Int64ObservableGauge("gateway.queue.depth",
		metric.WithDescription("current forwarding queue length"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(depthFn())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: depth gauge: %w", err)
	}
	return &GatewayMetrics{drops: drops, depth: depth}, nil
}

// RecordDrop records one forwarding-queue eviction.
func (m *GatewayMetrics) RecordDrop(ctx context.Context) {
	m.drops.Add(ctx, 1)
}
