// internal/common/observability/metrics.go
package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Observability records orchestration outcomes through the OpenTelemetry meter.
// The zero value and a nil pointer are valid and record nothing.
type Observability struct {
	meterProvider *metric.MeterProvider
	meter         otelmetric.Meter
	outcomes      otelmetric.Int64Counter
	latency       otelmetric.Float64Histogram
	escalations   otelmetric.Int64Counter
}

func New(serviceName string) *Observability {
	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return &Observability{}
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	outcomes, _ := meter.Int64Counter(
		"oracle.questions",
		otelmetric.WithDescription("Questions that reached a terminal state"),
	)

	latency, _ := meter.Float64Histogram(
		"oracle.questions.duration",
		otelmetric.WithDescription("Time from submission to terminal state"),
		otelmetric.WithUnit("ms"),
	)

	escalations, _ := meter.Int64Counter(
		"oracle.escalations",
		otelmetric.WithDescription("Questions that showed the long-wait notice"),
	)

	return &Observability{
		meterProvider: provider,
		meter:         meter,
		outcomes:      outcomes,
		latency:       latency,
		escalations:   escalations,
	}
}

// RecordOutcome counts a terminal state and records how long it took.
func (o *Observability) RecordOutcome(ctx context.Context, strategy, state string, fromCache bool, elapsed time.Duration) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("state", state),
		attribute.Bool("cache", fromCache),
	)
	if o.outcomes != nil {
		o.outcomes.Add(ctx, 1, attrs)
	}
	if o.latency != nil {
		o.latency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

// RecordEscalation counts a long-wait notice.
func (o *Observability) RecordEscalation(ctx context.Context, strategy string) {
	if o == nil || o.escalations == nil {
		return
	}
	o.escalations.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("strategy", strategy)))
}

func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil || o.meterProvider == nil {
		return
	}
	if err := o.meterProvider.Shutdown(ctx); err != nil {
		log.Printf("Failed to shut down meter provider: %v", err)
	}
}
