package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the instruments recorded by the executor, outbox and saga
// coordinator. A nil *Metrics records nothing.
type Metrics struct {
	executions       metric.Int64Counter
	duplicates       metric.Int64Counter
	duration         metric.Float64Histogram
	outboxPublished  metric.Int64Counter
	outboxFailed     metric.Int64Counter
	outboxDeadLetter metric.Int64Counter
	sagaTransitions  metric.Int64Counter
}

// NewMetrics creates instruments on meter. Instrument creation errors fall
// back to no-op instruments; metrics never fail the caller.
func NewMetrics(meter metric.Meter) *Metrics {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}

	hist, err := meter.Float64Histogram("once.execution.duration",
		metric.WithDescription("Duration of owned executions in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		hist, _ = fallback.Float64Histogram("once.execution.duration")
	}

	return &Metrics{
		executions:       counter("once.executions.total", "Executions by outcome", "{execution}"),
		duplicates:       counter("once.duplicates.total", "Calls answered from an existing record", "{call}"),
		duration:         hist,
		outboxPublished:  counter("once.outbox.published.total", "Outbox events published", "{event}"),
		outboxFailed:     counter("once.outbox.failed.total", "Outbox publish attempts that failed", "{attempt}"),
		outboxDeadLetter: counter("once.outbox.dead_letter.total", "Outbox events moved to dead letter", "{event}"),
		sagaTransitions:  counter("once.saga.transitions.total", "Saga status transitions", "{transition}"),
	}
}

// Execution records one owned execution.
func (m *Metrics) Execution(ctx context.Context, operationType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation_type", operationType),
		attribute.String("outcome", outcome),
	)
	m.executions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// Duplicate records a call served from an existing record.
func (m *Metrics) Duplicate(ctx context.Context, operationType string) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("operation_type", operationType)))
}

// OutboxPublished records a confirmed publish.
func (m *Metrics) OutboxPublished(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.outboxPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// OutboxFailed records a failed publish attempt.
func (m *Metrics) OutboxFailed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.outboxFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// OutboxDeadLettered records an event that exhausted its retry budget.
func (m *Metrics) OutboxDeadLettered(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.outboxDeadLetter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// SagaTransition records a saga entering status.
func (m *Metrics) SagaTransition(ctx context.Context, name, status string) {
	if m == nil {
		return
	}
	m.sagaTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", name),
		attribute.String("status", status),
	))
}
