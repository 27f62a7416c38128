// Package config loads retourd configuration from a YAML file and RETOUR_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/constraints"
	"github.com/MSA-I/RE-TOUR-sub006/internal/external"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/secrets"
	"github.com/MSA-I/RE-TOUR-sub006/internal/telemetry"
)

// Config is the complete daemon configuration.
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Storage     StorageConfig      `koanf:"storage"`
	Pipeline    PipelineConfig     `koanf:"pipeline"`
	Learning    learning.Config    `koanf:"learning"`
	Constraints constraints.Limits `koanf:"constraints"`
	Classifier  ClassifierConfig   `koanf:"classifier"`
	Scheduler   SchedulerConfig    `koanf:"scheduler"`
	External    ExternalConfig     `koanf:"external"`
	Events      EventsConfig       `koanf:"events"`
	Secrets     secrets.Config     `koanf:"secrets"`
	Telemetry   telemetry.Config   `koanf:"telemetry"`
	Logging     logging.Config     `koanf:"logging"`
}

// ServerConfig holds the reviewer HTTP API settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
	// APIToken, when set, is required as a bearer token on /api/v1.
	APIToken Secret `koanf:"api_token"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// StorageConfig selects the store backend.
type StorageConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// PipelineConfig holds State Transition Service settings.
type PipelineConfig struct {
	MaxAttempts int `koanf:"max_attempts"`
}

// ClassifierConfig extends the built-in taxonomy.
type ClassifierConfig struct {
	MaxInputLength int                       `koanf:"max_input_length"`
	ExtraRules     []classifier.CategoryRule `koanf:"extra_rules"`
}

// SchedulerConfig controls the decay sweep.
type SchedulerConfig struct {
	Enabled       bool     `koanf:"enabled"`
	DecaySchedule string   `koanf:"decay_schedule"`
	SweepTimeout  Duration `koanf:"sweep_timeout"`
}

// ExternalConfig points at the generation and review services.
type ExternalConfig struct {
	GeneratorURL    string               `koanf:"generator_url"`
	ReviewerURL     string               `koanf:"reviewer_url"`
	APIKey          Secret               `koanf:"api_key"`
	GenerateTimeout Duration             `koanf:"generate_timeout"`
	ReviewTimeout   Duration             `koanf:"review_timeout"`
	Retry           external.RetryConfig `koanf:"retry"`
}

// Configured reports whether both services have an endpoint.
func (e ExternalConfig) Configured() bool {
	return e.GeneratorURL != "" && e.ReviewerURL != ""
}

// EventsConfig controls NATS publishing.
type EventsConfig struct {
	Enabled bool `koanf:"enabled"`
	// Embedded runs an in-process NATS server instead of dialing URL.
	Embedded      bool   `koanf:"embedded"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	ClientName    string `koanf:"client_name"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8088,
			ShutdownTimeout: Duration(10 * time.Second),
			RequestTimeout:  Duration(60 * time.Second),
			RateLimit:       20,
			RateBurst:       40,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "retour.db",
		},
		Pipeline:    PipelineConfig{MaxAttempts: pipeline.DefaultMaxAttempts},
		Learning:    learning.DefaultConfig(),
		Constraints: constraints.DefaultLimits(),
		Classifier:  ClassifierConfig{MaxInputLength: classifier.DefaultMaxInputLength},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			DecaySchedule: learning.DefaultDecaySchedule,
			SweepTimeout:  Duration(10 * time.Minute),
		},
		External: ExternalConfig{
			GenerateTimeout: Duration(2 * time.Minute),
			ReviewTimeout:   Duration(time.Minute),
			Retry:           external.DefaultRetryConfig(),
		},
		Events: EventsConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "retour",
			ClientName:    "retourd",
		},
		Secrets:   secrets.DefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
		Logging:   *logging.NewDefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0, got %v", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_burst must be >= 1 when rate limiting, got %d", c.Server.RateBurst)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be >= 1, got %d", c.Pipeline.MaxAttempts)
	}
	if err := c.Learning.Validate(); err != nil {
		return fmt.Errorf("learning: %w", err)
	}
	if c.Constraints.MaxAdditions < 1 || c.Constraints.MaxRemovals < 1 {
		return fmt.Errorf("constraints limits must be >= 1, got additions=%d removals=%d",
			c.Constraints.MaxAdditions, c.Constraints.MaxRemovals)
	}
	if c.Scheduler.Enabled && c.Scheduler.DecaySchedule == "" {
		return errors.New("scheduler.decay_schedule is required when the scheduler is enabled")
	}
	if (c.External.GeneratorURL == "") != (c.External.ReviewerURL == "") {
		return errors.New("external.generator_url and external.reviewer_url must be set together")
	}
	if c.Events.Enabled && !c.Events.Embedded && c.Events.URL == "" {
		return errors.New("events.url is required unless events.embedded is set")
	}
	if err := c.Secrets.Validate(); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}
