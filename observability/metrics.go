package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// meterName is the instrumentation scope name for all gateway metrics.
const meterName = "github.com/upb/llm-fallback-gateway"

// Metrics holds the OpenTelemetry instruments for the fallback layer.
// The underlying OTel types handle their own synchronisation, so all
// fields are safe for concurrent use.
type Metrics struct {
	// AttemptDuration tracks per-attempt inference latency. Use with
	// attributes: attribute.String("backend", ...), attribute.String("status", ...)
	AttemptDuration metric.Float64Histogram

	// Fallbacks counts requests that succeeded on a substitute backend.
	// Use with attributes: attribute.String("original", ...), attribute.String("fallback", ...)
	Fallbacks metric.Int64Counter

	// Exhausted counts requests for which every candidate backend failed.
	Exhausted metric.Int64Counter

	// BreakerTransitions counts circuit state changes. Use with
	// attributes: attribute.String("backend", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter
}

// latencyBuckets defines histogram boundaries (in seconds) sized for LLM
// inference latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised Metrics struct using the given
// MeterProvider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AttemptDuration, err = m.Float64Histogram("fallback.attempt.duration",
		metric.WithDescription("Latency of individual inference attempts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("fallback.used",
		metric.WithDescription("Requests served by a substitute backend."),
	); err != nil {
		return nil, err
	}
	if met.Exhausted, err = m.Int64Counter("fallback.exhausted",
		metric.WithDescription("Requests for which all fallback backends failed."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("fallback.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// InitProvider initialises the OTel SDK with a Prometheus exporter so
// metrics can be scraped via /metrics, and registers it as the global
// meter provider. Returns a shutdown function to call from main.
func InitProvider(serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
