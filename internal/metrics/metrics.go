package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Drop reasons reported with RecordDrop
const (
	DropQueueFull      = "queue_full"
	DropEndpointClosed = "endpoint_closed"
	DropNoEndpoint     = "no_endpoint"
)

// Recorder records notification pipeline metrics.
// Use New for OpenTelemetry or Noop{} when metrics are disabled.
type Recorder interface {
	// RecordPublish records one ingested event and how many subscribers matched it.
	RecordPublish(ctx context.Context, op string, matched int)

	// RecordDelivery records one send attempt to an endpoint.
	RecordDelivery(ctx context.Context, latency time.Duration, err error)

	// RecordDrop records a notification dropped before reaching the sender.
	RecordDrop(ctx context.Context, reason string)

	// RecordPurge records an endpoint purge and how many subscriptions it removed.
	RecordPurge(ctx context.Context, removed int)
}

type otelRecorder struct {
	published       metric.Int64Counter
	matched         metric.Int64Counter
	deliveries      metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	dropped         metric.Int64Counter
	purged          metric.Int64Counter
	purgedSubs      metric.Int64Counter
}

// New creates a Recorder on meter. Callers typically pass
// otel.Meter("blocknotify") after configuring the global provider.
func New(meter metric.Meter) (Recorder, error) {
	published, err := meter.Int64Counter("blocknotify.events.published",
		metric.WithDescription("Number of events ingested"),
	)
	if err != nil {
		return nil, fmt.Errorf("create published counter: %w", err)
	}

	matched, err := meter.Int64Counter("blocknotify.events.matched",
		metric.WithDescription("Number of subscriber matches across ingested events"),
	)
	if err != nil {
		return nil, fmt.Errorf("create matched counter: %w", err)
	}

	deliveries, err := meter.Int64Counter("blocknotify.deliveries",
		metric.WithDescription("Number of delivery attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deliveries counter: %w", err)
	}

	deliveryLatency, err := meter.Float64Histogram("blocknotify.delivery.latency_ms",
		metric.WithDescription("Delivery latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create delivery latency histogram: %w", err)
	}

	dropped, err := meter.Int64Counter("blocknotify.deliveries.dropped",
		metric.WithDescription("Number of notifications dropped before delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}

	purged, err := meter.Int64Counter("blocknotify.endpoints.purged",
		metric.WithDescription("Number of closed endpoints purged from the registry"),
	)
	if err != nil {
		return nil, fmt.Errorf("create purged counter: %w", err)
	}

	purgedSubs, err := meter.Int64Counter("blocknotify.subscriptions.purged",
		metric.WithDescription("Number of subscriptions removed by purges"),
	)
	if err != nil {
		return nil, fmt.Errorf("create purged subscriptions counter: %w", err)
	}

	return &otelRecorder{
		published:       published,
		matched:         matched,
		deliveries:      deliveries,
		deliveryLatency: deliveryLatency,
		dropped:         dropped,
		purged:          purged,
		purgedSubs:      purgedSubs,
	}, nil
}

func (r *otelRecorder) RecordPublish(ctx context.Context, op string, matched int) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	r.published.Add(ctx, 1, attrs)
	r.matched.Add(ctx, int64(matched), attrs)
}

func (r *otelRecorder) RecordDelivery(ctx context.Context, latency time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	r.deliveries.Add(ctx, 1, attrs)
	r.deliveryLatency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
}

func (r *otelRecorder) RecordDrop(ctx context.Context, reason string) {
	r.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *otelRecorder) RecordPurge(ctx context.Context, removed int) {
	r.purged.Add(ctx, 1)
	r.purgedSubs.Add(ctx, int64(removed))
}

// Noop is a Recorder that does nothing.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordPublish(_ context.Context, _ string, _ int) {}

func (Noop) RecordDelivery(_ context.Context, _ time.Duration, _ error) {}

func (Noop) RecordDrop(_ context.Context, _ string) {}

func (Noop) RecordPurge(_ context.Context, _ int) {}
