package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles every instrument the core emits. Instrument names are part
// of the public contract; dashboards key on them.
type Metrics struct {
	CommandsCount    metric.Int64Counter
	EventsCount      metric.Int64Counter
	ErrorsCount      metric.Int64Counter
	BatchOverflow    metric.Int64Counter
	OutboxProcessed  metric.Int64Counter
	OutboxFailed     metric.Int64Counter
	CommandsDuration metric.Float64Histogram
	BatchSize        metric.Int64Histogram
	BatchQueueLength metric.Int64Histogram
	FlushDuration    metric.Float64Histogram
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("relaykit")

	m := &Metrics{}
	var err error

	if m.CommandsCount, err = meter.Int64Counter("mediator.commands.count",
		metric.WithDescription("Requests dispatched through the mediator")); err != nil {
		return nil, err
	}
	if m.EventsCount, err = meter.Int64Counter("mediator.events.count",
		metric.WithDescription("Events published through the mediator")); err != nil {
		return nil, err
	}
	if m.ErrorsCount, err = meter.Int64Counter("mediator.errors.count",
		metric.WithDescription("Failed dispatches by error type")); err != nil {
		return nil, err
	}
	if m.BatchOverflow, err = meter.Int64Counter("mediator.batch.overflow",
		metric.WithDescription("Requests dropped from full batch shards")); err != nil {
		return nil, err
	}
	if m.OutboxProcessed, err = meter.Int64Counter("outbox.processed",
		metric.WithDescription("Outbox rows published")); err != nil {
		return nil, err
	}
	if m.OutboxFailed, err = meter.Int64Counter("outbox.failed",
		metric.WithDescription("Outbox rows that failed to publish")); err != nil {
		return nil, err
	}
	if m.CommandsDuration, err = meter.Float64Histogram("mediator.commands.duration",
		metric.WithDescription("End-to-end dispatch duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.BatchSize, err = meter.Int64Histogram("mediator.batch.size",
		metric.WithDescription("Requests per flushed batch")); err != nil {
		return nil, err
	}
	if m.BatchQueueLength, err = meter.Int64Histogram("mediator.batch.queue_length",
		metric.WithDescription("Shard queue length at enqueue")); err != nil {
		return nil, err
	}
	if m.FlushDuration, err = meter.Float64Histogram("mediator.batch.flush.duration",
		metric.WithDescription("Shard flush duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// Nop returns a metrics bundle backed by the default no-op meter, for tests
// and callers that have not set a meter provider.
func Nop() *Metrics {
	m, _ := NewMetrics()
	return m
}

// RecordError increments mediator.errors.count tagged with the error type.
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.ErrorsCount.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", errorType)))
}
