package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// otelScope names the instrumentation scope of bridged records.
const otelScope = "github.com/MSA-I/RE-TOUR-sub006/internal/logging"

// newOTELCore bridges entries at or above lvl into provider. Records never
// pass through an encoder, so redaction is applied to the fields directly.
func newOTELCore(provider log.LoggerProvider, lvl zapcore.Level, rules *RedactingEncoder) zapcore.Core {
	bridge := otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(provider))
	filtered := &levelFilterCore{Core: bridge, min: lvl, hasMin: true}
	return &redactingCore{Core: filtered, rules: rules}
}

// redactingCore applies encoder redaction rules to fields before the
// wrapped core sees them.
type redactingCore struct {
	zapcore.Core
	rules *RedactingEncoder
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.rules.redactFields(fields)), rules: c.rules}
}

func (c *redactingCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

func (c *redactingCore) Write(e zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(e, c.rules.redactFields(fields))
}
