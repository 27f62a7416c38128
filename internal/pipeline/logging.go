package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Logger wraps zap.Logger with pipeline-specific structured logging.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new Logger. If logger is nil, uses a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("pipeline")}
}

// Created logs a new pipeline.
func (l *Logger) Created(ctx context.Context, st *State) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, st.ID)
	fields = append(fields,
		zap.String("owner_ref", st.OwnerRef),
		zap.Int("max_attempts", st.MaxAttempts),
	)
	l.logger.Info("pipeline created", fields...)
}

// Transitioned logs a phase advance.
func (l *Logger) Transitioned(ctx context.Context, id string, from, to Phase, fromStep, toStep int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, id)
	fields = append(fields,
		zap.String("from_phase", string(from)),
		zap.String("to_phase", string(to)),
		zap.Int("from_step", fromStep),
		zap.Int("to_step", toStep),
	)
	l.logger.Info("pipeline transitioned", fields...)
}

// AttemptRecorded logs a reviewed attempt.
func (l *Logger) AttemptRecorded(ctx context.Context, id string, step int, outcome Outcome, attemptCount, maxAttempts int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, id)
	fields = append(fields,
		zap.Int("step", step),
		zap.String("outcome", string(outcome)),
		zap.Int("attempt_count", attemptCount),
		zap.Int("max_attempts", maxAttempts),
	)
	l.logger.Debug("attempt recorded", fields...)
}

// Blocked logs a pipeline stopping for human review.
func (l *Logger) Blocked(ctx context.Context, id string, step int, reason BlockReason, attemptCount int) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, id)
	fields = append(fields,
		zap.Int("step", step),
		zap.String("reason", string(reason)),
		zap.Int("attempt_count", attemptCount),
	)
	l.logger.Warn("pipeline blocked for review", fields...)
}

// Reset logs an external reset.
func (l *Logger) Reset(ctx context.Context, id string, generation int64, reason string) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, id)
	fields = append(fields,
		zap.Int64("generation", generation),
		zap.String("reason", reason),
	)
	l.logger.Info("pipeline reset", fields...)
}

// Confirmed logs an external confirmation.
func (l *Logger) Confirmed(ctx context.Context, id string, from, to Phase) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, id)
	fields = append(fields,
		zap.String("from_phase", string(from)),
		zap.String("to_phase", string(to)),
	)
	l.logger.Info("pipeline confirmed", fields...)
}

// Rejected logs a refused operation, such as a stale transition.
func (l *Logger) Rejected(ctx context.Context, op, id string, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, id)
	fields = append(fields, zap.String("operation", op), zap.Error(err))
	l.logger.Debug("operation refused", fields...)
}

// Error logs an error with context.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...zap.Field) {
	if l == nil || l.logger == nil {
		return
	}
	allFields := l.traceFields(ctx)
	allFields = append(allFields, zap.Error(err))
	allFields = append(allFields, fields...)
	l.logger.Error(msg, allFields...)
}

func (l *Logger) baseFields(ctx context.Context, id string) []zap.Field {
	fields := []zap.Field{zap.String("pipeline_id", id)}
	return append(fields, l.traceFields(ctx)...)
}

func (l *Logger) traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}
