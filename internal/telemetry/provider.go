package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ExportOptions configures the OTLP metric exporter.
type ExportOptions struct {
	Endpoint string
	Insecure bool
	Interval time.Duration // defaults to 15s
}

// NewProvider returns a meter provider that pushes to an OTLP gRPC collector
// every Interval. Callers install it with otel.SetMeterProvider and must call
// Shutdown to flush the last batch.
func NewProvider(ctx context.Context, opts ExportOptions) (*metric.MeterProvider, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("telemetry: OTLP endpoint is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}

	exporterOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(attribute.String("service.name", meterName))
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(opts.Interval))),
	), nil
}
