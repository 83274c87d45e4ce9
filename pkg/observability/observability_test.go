package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewMetrics(mp.Meter("test"))
	ctx := context.Background()

	m.Execution(ctx, "place_order", "completed", 15*time.Millisecond)
	m.Duplicate(ctx, "place_order")
	m.Duplicate(ctx, "place_order")
	m.OutboxPublished(ctx, "order.placed")
	m.OutboxDeadLettered(ctx, "order.placed")
	m.SagaTransition(ctx, "checkout", "compensated")

	data := collect(t, reader)

	dups, ok := data["once.duplicates.total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, dups.DataPoints, 1)
	assert.Equal(t, int64(2), dups.DataPoints[0].Value)

	hist, ok := data["once.execution.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	assert.Contains(t, data, "once.outbox.published.total")
	assert.Contains(t, data, "once.outbox.dead_letter.total")
	assert.Contains(t, data, "once.saga.transitions.total")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Execution(ctx, "op", "failed", time.Second)
	m.Duplicate(ctx, "op")
	m.OutboxFailed(ctx, "evt")
	m.SagaTransition(ctx, "s", "running")
}

func TestDisabledProvider(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Metrics())

	ctx, done := p.TrackOperation(context.Background(), "op")
	assert.NotNil(t, ctx)
	done(errors.New("boom"))
	assert.NoError(t, p.Shutdown(context.Background()))

	assert.NotNil(t, Disabled().Metrics())
}
