package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/MSA-I/RE-TOUR-sub006/internal/mcp"

// Metrics holds the tool instruments.
type Metrics struct {
	invocations    metric.Int64Counter
	duration       metric.Float64Histogram
	errors         metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
}

// NewMetrics creates the instruments. If meter is nil, uses the global
// meter provider.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var err error

	m.invocations, err = meter.Int64Counter(
		"mcp.tool.invocations.total",
		metric.WithDescription("Total number of MCP tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"mcp.tool.duration",
		metric.WithDescription("Duration of MCP tool invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"mcp.tool.errors.total",
		metric.WithDescription("Total number of MCP tool errors by reason"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.activeRequests, err = meter.Int64UpDownCounter(
		"mcp.tool.active",
		metric.WithDescription("Number of in-flight MCP tool invocations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
	return m
}

// start records an invocation and returns the func that finishes it.
func (m *Metrics) start(ctx context.Context, tool string) func(err error) {
	begin := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.activeRequests != nil {
		m.activeRequests.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.activeRequests != nil {
			m.activeRequests.Add(ctx, -1, attrs)
		}
		if m.invocations != nil {
			m.invocations.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(begin).Seconds(), attrs)
		}
		if err != nil && m.errors != nil {
			m.errors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", categorizeError(err)),
			))
		}
	}
}

// categorizeError buckets err by the sentinel it wraps.
func categorizeError(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrPipelineNotFound), errors.Is(err, rules.ErrRuleNotFound):
		return "not_found"
	case errors.Is(err, pipeline.ErrStaleTransition), errors.Is(err, rules.ErrConflict):
		return "conflict"
	case errors.Is(err, pipeline.ErrBlockedForReview):
		return "blocked"
	case errors.Is(err, orchestrator.ErrInfrastructureFailure):
		return "infrastructure"
	case errors.Is(err, errInvalidArgument), errors.Is(err, orchestrator.ErrInvalidDecision):
		return "validation_error"
	default:
		return "internal_error"
	}
}
