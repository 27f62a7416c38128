package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InstrumentationName is the name used for OTEL instrumentation.
	InstrumentationName = "github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
)

// Metrics provides OpenTelemetry metrics for the pipeline package.
type Metrics struct {
	transitionsTotal metric.Int64Counter
	attemptsTotal    metric.Int64Counter
	blockedTotal     metric.Int64Counter
	staleTotal       metric.Int64Counter
	resetsTotal      metric.Int64Counter

	initialized bool
}

// NewMetrics creates a new Metrics instance with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.transitionsTotal, err = meter.Int64Counter(
		"pipeline.transitions.total",
		metric.WithDescription("Total number of phase transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	m.attemptsTotal, err = meter.Int64Counter(
		"pipeline.attempts.total",
		metric.WithDescription("Total number of reviewed attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.blockedTotal, err = meter.Int64Counter(
		"pipeline.blocked.total",
		metric.WithDescription("Total number of pipelines blocked for review"),
		metric.WithUnit("{pipeline}"),
	)
	if err != nil {
		return nil, err
	}

	m.staleTotal, err = meter.Int64Counter(
		"pipeline.stale_transitions.total",
		metric.WithDescription("Total number of operations refused as stale"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	m.resetsTotal, err = meter.Int64Counter(
		"pipeline.resets.total",
		metric.WithDescription("Total number of external resets"),
		metric.WithUnit("{reset}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// RecordTransition records a phase advance. Pipeline ids are kept out of
// metric attributes; use traces and logs for per-pipeline correlation.
func (m *Metrics) RecordTransition(ctx context.Context, from, to Phase) {
	if m == nil || !m.initialized {
		return
	}
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from_phase", string(from)),
		attribute.String("to_phase", string(to)),
	))
}

// RecordAttempt records a reviewed attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, step int, outcome Outcome) {
	if m == nil || !m.initialized {
		return
	}
	m.attemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("step", step),
		attribute.String("outcome", string(outcome)),
	))
}

// RecordBlocked records a pipeline stopping for review.
func (m *Metrics) RecordBlocked(ctx context.Context, step int, reason BlockReason) {
	if m == nil || !m.initialized {
		return
	}
	m.blockedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("step", step),
		attribute.String("reason", string(reason)),
	))
}

// RecordStale records a refused stale operation.
func (m *Metrics) RecordStale(ctx context.Context, op string) {
	if m == nil || !m.initialized {
		return
	}
	m.staleTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

// RecordReset records an external reset.
func (m *Metrics) RecordReset(ctx context.Context) {
	if m == nil || !m.initialized {
		return
	}
	m.resetsTotal.Add(ctx, 1)
}

// Tracer returns a tracer for the pipeline package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a new span carrying the pipeline id.
func StartSpan(ctx context.Context, name, pipelineID string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	allOpts := append([]trace.SpanStartOption{
		trace.WithAttributes(attribute.String("pipeline.id", pipelineID)),
	}, opts...)
	return Tracer().Start(ctx, name, allOpts...)
}

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
