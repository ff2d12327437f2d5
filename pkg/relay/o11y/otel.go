package o11y

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OtelProvider implements MetricsProvider and TracingProvider on top of
// the global OpenTelemetry meter and tracer providers.
type OtelProvider struct {
	meter  metric.Meter
	tracer trace.Tracer
}

// NewOtelProvider builds a provider scoped to the given service
// name/version instrumentation.
func NewOtelProvider(serviceName, serviceVersion string) *OtelProvider {
	return &OtelProvider{
		meter:  otel.Meter(serviceName, metric.WithInstrumentationVersion(serviceVersion)),
		tracer: otel.Tracer(serviceName, trace.WithInstrumentationVersion(serviceVersion)),
	}
}

func (p *OtelProvider) Counter(name string) Counter {
	c, _ := p.meter.Int64Counter(name)
	return otelCounter{c}
}

func (p *OtelProvider) Gauge(name string) Gauge {
	g, _ := p.meter.Int64UpDownCounter(name)
	return otelGauge{g}
}

func (p *OtelProvider) Histogram(name string) Histogram {
	h, _ := p.meter.Float64Histogram(name)
	return otelHistogram{h}
}

func (p *OtelProvider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, otelSpan{span}
}

func toAttributes(labels []Label) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, len(labels))
	for i, l := range labels {
		attrs[i] = attribute.String(l.Key, l.Value)
	}
	return attrs
}

type otelCounter struct {
	counter metric.Int64Counter
}

func (c otelCounter) Add(ctx context.Context, value int64, labels ...Label) {
	c.counter.Add(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

type otelGauge struct {
	gauge metric.Int64UpDownCounter
}

func (g otelGauge) Add(ctx context.Context, delta int64, labels ...Label) {
	g.gauge.Add(ctx, delta, metric.WithAttributes(toAttributes(labels)...))
}

type otelHistogram struct {
	histogram metric.Float64Histogram
}

func (h otelHistogram) Record(ctx context.Context, value float64, labels ...Label) {
	h.histogram.Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) SetAttributes(labels ...Label) {
	s.span.SetAttributes(toAttributes(labels)...)
}

func (s otelSpan) SetStatus(code SpanStatus, description string) {
	var c codes.Code
	switch code {
	case StatusOK:
		c = codes.Ok
	case StatusError:
		c = codes.Error
	default:
		c = codes.Unset
	}
	s.span.SetStatus(c, description)
}

func (s otelSpan) End() {
	s.span.End()
}
