// Package o11y abstracts metrics and tracing so the delivery core does
// not depend on a concrete telemetry backend. All instruments are
// optional: components hold them as possibly-nil fields and guard each
// use, so running without a provider costs nothing.
package o11y

import "context"

// Config carries the optional telemetry providers handed to components
// at construction time.
type Config struct {
	Metrics        MetricsProvider
	Tracing        TracingProvider
	ServiceName    string
	ServiceVersion string
}

// MetricsProvider creates named instruments.
type MetricsProvider interface {
	Counter(name string) Counter
	Gauge(name string) Gauge
	Histogram(name string) Histogram
}

// TracingProvider starts spans.
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter is a monotonically increasing count.
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Gauge tracks a value that moves in both directions, expressed as
// deltas (e.g. +1 on connect, -1 on disconnect).
type Gauge interface {
	Add(ctx context.Context, delta int64, labels ...Label)
}

// Histogram records a distribution, e.g. broadcast durations.
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Span is one unit of traced work.
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatus, description string)
	End()
}

// Label is a key-value attribute attached to instruments and spans.
type Label struct {
	Key   string
	Value string
}

// SpanStatus mirrors the usual unset/ok/error trichotomy.
type SpanStatus int

const (
	StatusUnset SpanStatus = iota
	StatusOK
	StatusError
)
