// Retourd is the RE-TOUR orchestration daemon.
//
// It serves the reviewer HTTP API, runs the rule decay scheduler and can
// expose the same operations as MCP tools over stdio.
//
// Configuration is read from a YAML file and RETOUR_ environment variables.
// See internal/config for details.
//
// Usage:
//
//	# Serve the HTTP API
//	retourd
//
//	# Serve MCP tools on stdin/stdout
//	retourd mcp
//
//	# Configure via environment
//	RETOUR_SERVER_PORT=9090 RETOUR_STORAGE_DRIVER=memory retourd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/config"
	"github.com/MSA-I/RE-TOUR-sub006/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ~/.config/retour/config.yaml)")
	logLevel := flag.String("log-level", "", "override logging.level (trace, debug, info, warn, error)")
	flag.Parse()
	args := flag.Args()

	mode := "serve"
	if len(args) > 0 {
		mode = args[0]
	}
	switch mode {
	case "serve", "mcp":
	case "version":
		printVersion()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", mode)
		fmt.Fprintf(os.Stderr, "\nUsage:\n")
		fmt.Fprintf(os.Stderr, "  retourd [-config path] [-log-level lvl]  Serve the HTTP API\n")
		fmt.Fprintf(os.Stderr, "  retourd [-config path] mcp       Serve MCP tools on stdio\n")
		fmt.Fprintf(os.Stderr, "  retourd version                  Show version information\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *logLevel, mode); err != nil {
		log.Fatalf("retourd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("retourd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run loads configuration, wires the daemon and blocks in the chosen mode
// until ctx is cancelled.
func run(ctx context.Context, configPath, logLevel, mode string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		if cfg.Logging.Level, err = logging.ParseLevel(logLevel); err != nil {
			return err
		}
	}
	if version != "dev" {
		cfg.Telemetry.ServiceVersion = version
	}

	lg, err := logging.NewLogger(&cfg.Logging, logging.WithLoggerProvider(global.GetLoggerProvider()))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := lg.Underlying()
	defer func() {
		_ = lg.Sync()
	}()

	logger.Info("starting retourd",
		zap.String("mode", mode),
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("events", cfg.Events.Enabled),
		zap.Bool("telemetry", cfg.Telemetry.Enabled))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if mode == "mcp" {
		return runStdio(ctx, a)
	}

	logger.Info("server configured",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("health_endpoint", "/health"),
		zap.String("metrics_endpoint", "/metrics"),
		zap.Bool("auth", cfg.Server.APIToken.IsSet()))
	if err := a.serve(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
