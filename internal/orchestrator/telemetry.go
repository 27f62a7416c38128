package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"

// Metrics provides OpenTelemetry metrics for orchestrated reviews.
type Metrics struct {
	reviewsTotal     metric.Int64Counter
	categoriesTotal  metric.Int64Counter
	infraFailures    metric.Int64Counter
	constraintsTotal metric.Int64Histogram

	initialized bool
}

// NewMetrics creates the instruments. If meter is nil, uses the global
// meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &Metrics{}
	var err error

	if m.reviewsTotal, err = meter.Int64Counter(
		"orchestrator.reviews.total",
		metric.WithDescription("Total number of handled reviews by outcome"),
		metric.WithUnit("{review}"),
	); err != nil {
		return nil, err
	}
	if m.categoriesTotal, err = meter.Int64Counter(
		"orchestrator.rejection_categories.total",
		metric.WithDescription("Total number of classified rejection categories"),
		metric.WithUnit("{category}"),
	); err != nil {
		return nil, err
	}
	if m.infraFailures, err = meter.Int64Counter(
		"orchestrator.infrastructure_failures.total",
		metric.WithDescription("Total number of failed generation or review calls"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}
	if m.constraintsTotal, err = meter.Int64Histogram(
		"orchestrator.constraints.injected",
		metric.WithDescription("Number of constraints composed for a retry"),
		metric.WithUnit("{constraint}"),
	); err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

func (m *Metrics) recordReview(ctx context.Context, outcome string) {
	if m == nil || !m.initialized {
		return
	}
	m.reviewsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordCategory(ctx context.Context, category string) {
	if m == nil || !m.initialized {
		return
	}
	m.categoriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func (m *Metrics) recordInfraFailure(ctx context.Context, call string) {
	if m == nil || !m.initialized {
		return
	}
	m.infraFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("call", call)))
}

func (m *Metrics) recordConstraints(ctx context.Context, n int) {
	if m == nil || !m.initialized {
		return
	}
	m.constraintsTotal.Record(ctx, int64(n))
}

func startSpan(ctx context.Context, name, pipelineID string) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name,
		trace.WithAttributes(attribute.String("pipeline.id", pipelineID)))
}
