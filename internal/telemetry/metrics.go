// Package telemetry bootstraps OpenTelemetry metrics export and registers
// the gauges that mirror the admin HTTP introspection surface, for
// scraping rather than polling.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting endpoint. Metrics are flushed
// periodically via a PeriodicReader. The caller must defer
// mp.Shutdown(ctx) to flush pending metrics on exit.
func InitMeterProvider(ctx context.Context, serviceName, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: init exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// RegistryStats carries the subset of source.Stats this package reports;
// declared locally so telemetry does not import source.
type RegistryStats struct {
	ViewName        string
	SubscriberCount int
	CacheSize       int
}

// RegistrySnapshotFunc polls live Source stats at collection time.
type RegistrySnapshotFunc func() []RegistryStats

// TriggerCountFunc reports the total number of registered triggers across
// every view at collection time.
type TriggerCountFunc func() int

// Gauges holds the observable instruments this package registers. Values
// are pulled lazily from the provided callbacks on every collection pass,
// the same pull model the admin HTTP introspection endpoints use.
type Gauges struct {
	cacheSize       metric.Int64ObservableGauge
	subscriberCount metric.Int64ObservableGauge
	triggerCount    metric.Int64ObservableGauge
}

// RegisterGauges creates and registers the cache-size, subscriber-count and
// trigger-count gauges against the global meter provider.
func RegisterGauges(meter metric.Meter, sources RegistrySnapshotFunc, triggers TriggerCountFunc) (*Gauges, error) {
	g := &Gauges{}

	var err error
	g.cacheSize, err = meter.Int64ObservableGauge(
		"viewstream.source.cache_size",
		metric.WithDescription("number of rows cached by each live source"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register cache_size gauge: %w", err)
	}
	g.subscriberCount, err = meter.Int64ObservableGauge(
		"viewstream.source.subscriber_count",
		metric.WithDescription("number of attached subscribers per live source"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register subscriber_count gauge: %w", err)
	}
	g.triggerCount, err = meter.Int64ObservableGauge(
		"viewstream.trigger.count",
		metric.WithDescription("number of registered triggers across all views"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register trigger_count gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range sources() {
			attrs := metric.WithAttributes(viewAttribute(s.ViewName))
			o.ObserveInt64(g.cacheSize, int64(s.CacheSize), attrs)
			o.ObserveInt64(g.subscriberCount, int64(s.SubscriberCount), attrs)
		}
		o.ObserveInt64(g.triggerCount, int64(triggers()))
		return nil
	}, g.cacheSize, g.subscriberCount, g.triggerCount)
	if err != nil {
		return nil, fmt.Errorf("telemetry: register callback: %w", err)
	}

	return g, nil
}
