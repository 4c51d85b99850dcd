// Package telemetry records evaluation metrics through OpenTelemetry.
//
// Without an installed SDK meter provider the instruments are no-ops; see
// NewProvider for the OTLP exporter the server installs when configured.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"proposal-workflows/pkg/errs"
)

const meterName = "proposal-workflows"

// Metrics holds the evaluation instruments.
type Metrics struct {
	transitions metric.Int64Counter
	answers     metric.Int64Counter
	rejections  metric.Int64Counter
	duration    metric.Float64Histogram
}

// New creates the instruments from the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

// NewWithMeter creates the instruments from meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	m.transitions, err = meter.Int64Counter("evaluation.transitions",
		metric.WithDescription("Committed proposal and workflow transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	m.answers, err = meter.Int64Counter("evaluation.answers",
		metric.WithDescription("Accepted rubric answers"),
		metric.WithUnit("{answer}"),
	)
	if err != nil {
		return nil, err
	}
	m.rejections, err = meter.Int64Counter("evaluation.rejections",
		metric.WithDescription("Operations rejected by the engine or the store"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram("evaluation.operation.duration",
		metric.WithDescription("Service operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Transition counts a committed operation.
func (m *Metrics) Transition(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

// Answers counts accepted rubric answers.
func (m *Metrics) Answers(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.answers.Add(ctx, int64(n))
}

// Rejection counts a failed operation by error kind. Errors without a kind
// are recorded as "internal".
func (m *Metrics) Rejection(ctx context.Context, op string, err error) {
	if m == nil || err == nil {
		return
	}
	kind := string(errs.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("kind", kind),
	))
}

// Track starts timing op; call the returned func when it finishes.
func (m *Metrics) Track(ctx context.Context, op string) func() {
	start := time.Now()
	return func() {
		if m == nil {
			return
		}
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("operation", op)))
	}
}
