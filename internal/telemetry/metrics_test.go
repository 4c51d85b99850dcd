package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"proposal-workflows/pkg/errs"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetricsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.Transition(ctx, "advance")
	m.Transition(ctx, "advance")
	m.Answers(ctx, 3)
	m.Rejection(ctx, "advance", errs.Incomplete("s1", 2, 1))
	m.Rejection(ctx, "save", errors.New("disk full"))
	m.Rejection(ctx, "save", nil)
	m.Track(ctx, "advance")()

	got := collect(t, reader)

	transitions := got["evaluation.transitions"].Data.(metricdata.Sum[int64])
	require.Len(t, transitions.DataPoints, 1)
	assert.Equal(t, int64(2), transitions.DataPoints[0].Value)

	answers := got["evaluation.answers"].Data.(metricdata.Sum[int64])
	assert.Equal(t, int64(3), answers.DataPoints[0].Value)

	rejections := got["evaluation.rejections"].Data.(metricdata.Sum[int64])
	kinds := map[string]int64{}
	for _, dp := range rejections.DataPoints {
		v, ok := dp.Attributes.Value(attribute.Key("kind"))
		require.True(t, ok)
		kinds[v.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"incomplete_step": 1, "internal": 1}, kinds)

	_, ok := got["evaluation.operation.duration"]
	assert.True(t, ok)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Transition(ctx, "advance")
	m.Answers(ctx, 1)
	m.Rejection(ctx, "advance", errors.New("x"))
	m.Track(ctx, "advance")()
}
