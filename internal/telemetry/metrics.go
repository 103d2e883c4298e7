package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const ingestScopeName = "github.com/hcledger/claimsink/ingest"

// Metrics are the ingestion counters the orchestrator reports. All
// methods are safe on a nil receiver so call sites need no guards when
// telemetry is off.
type Metrics struct {
	discovered metric.Int64Counter
	queued     metric.Int64Counter
	drops      metric.Int64Counter
	processed  metric.Int64Counter
	claims     metric.Int64Counter
	duration   metric.Float64Histogram
	depth      metric.Int64ObservableGauge
	meter      metric.Meter
}

// NewMetrics registers the ingest instruments. Returns nil when
// telemetry is disabled.
func NewMetrics() *Metrics {
	if !Enabled() {
		return nil
	}
	m := Meter(ingestScopeName)
	discovered, _ := m.Int64Counter("claimsink.files.discovered",
		metric.WithDescription("Files offered by fetchers"))
	queued, _ := m.Int64Counter("claimsink.files.queued",
		metric.WithDescription("Files accepted by the work queue"))
	drops, _ := m.Int64Counter("claimsink.queue.drops",
		metric.WithDescription("Items dropped after the saturation requeue"))
	processed, _ := m.Int64Counter("claimsink.files.processed",
		metric.WithDescription("Files completing the pipeline, by outcome"))
	claims, _ := m.Int64Counter("claimsink.claims.persisted",
		metric.WithDescription("Claims written by successful files"))
	duration, _ := m.Float64Histogram("claimsink.file.duration",
		metric.WithDescription("End-to-end per-file pipeline duration in milliseconds"),
		metric.WithUnit("ms"))
	depth, _ := m.Int64ObservableGauge("claimsink.queue.depth",
		metric.WithDescription("Items waiting in the work queue"))
	return &Metrics{
		discovered: discovered,
		queued:     queued,
		drops:      drops,
		processed:  processed,
		claims:     claims,
		duration:   duration,
		depth:      depth,
		meter:      m,
	}
}

// ObserveQueueDepth registers size as the queue depth gauge source for
// the lifetime of the returned unregister func.
func (m *Metrics) ObserveQueueDepth(size func() int) func() {
	if m == nil {
		return func() {}
	}
	reg, err := m.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(m.depth, int64(size()))
		return nil
	}, m.depth)
	if err != nil {
		return func() {}
	}
	return func() { _ = reg.Unregister() }
}

func (m *Metrics) FilesDiscovered(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.discovered.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) FilesQueued(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.queued.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) QueueDrops(ctx context.Context) {
	if m == nil {
		return
	}
	m.drops.Add(ctx, 1)
}

func (m *Metrics) FileProcessed(ctx context.Context, source, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	)
	m.processed.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d.Milliseconds()), attrs)
}

func (m *Metrics) ClaimsPersisted(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claims.Add(ctx, int64(n))
}
