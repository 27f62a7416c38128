package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// runStdio serves the MCP tools on stdin/stdout. The decay scheduler
// runs alongside so a long session still sees rule health age. Logs stay
// on stderr since stdout carries the protocol.
func runStdio(ctx context.Context, a *app) error {
	srv, err := a.mcpServer()
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start decay scheduler: %w", err)
		}
	}

	fmt.Fprintln(os.Stderr, "retourd mcp mode started on stdio")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdio server error: %w", err)
	}
	a.logger.Info("stdio MCP server shutdown complete", zap.Bool("cancelled", ctx.Err() != nil))
	return nil
}
