// Package logging provides the daemon's structured zap logger.
//
// The Logger wraps zap with context-aware methods that add trace, pipeline
// and request correlation fields. Raw reviewer feedback is redacted at the
// encoder: any field named in the redaction config is replaced before it is
// written, whether it was attached with With or passed at the call site.
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithPipelineID(ctx, "p-123")
//	logger.Info(ctx, "attempt recorded", zap.Int("attempt", 2))
//
// Components that only need a *zap.Logger take logger.Underlying().
package logging
