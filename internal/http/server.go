// Package http provides the reviewer HTTP API for retourd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"
)

// Server provides HTTP endpoints over the orchestration core.
type Server struct {
	echo    *echo.Echo
	orch    *orchestrator.Orchestrator
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
	checks  map[string]HealthCheck
}

// Config holds HTTP server configuration.
type Config struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	// RateLimit is requests per second per client IP. Zero disables it.
	RateLimit float64
	RateBurst int
	// APIToken, when non-empty, is required as a bearer token on /api/v1.
	APIToken string
}

// HealthCheck reports a dependency's status. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithMetrics instruments every request.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealthCheck adds a named dependency to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// NewServer creates a new HTTP server.
func NewServer(orch *orchestrator.Orchestrator, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, errors.New("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8088,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		orch:   orch,
		logger: logger.Named("http"),
		config: cfg,
		checks: make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	// Metrics wrap the logger, which commits handler errors to the response.
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}
	e.Use(s.requestContext)
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// Echo exposes the underlying router for extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.config.RateLimit > 0 {
		v1.Use(rateLimiter(s.config.RateLimit, s.config.RateBurst))
	}
	if s.config.APIToken != "" {
		v1.Use(bearerAuth(s.config.APIToken))
	}
	if s.config.RequestTimeout > 0 {
		v1.Use(requestTimeout(s.config.RequestTimeout))
	}

	p := v1.Group("/pipelines")
	p.POST("", s.handleCreatePipeline)
	p.GET("", s.handleListPipelines)
	p.GET("/:id", s.handleGetPipeline)
	p.POST("/:id/transition", s.handleTransition)
	p.POST("/:id/attempts", s.handleRecordAttempt)
	p.POST("/:id/reviews", s.handleReview)
	p.POST("/:id/run", s.handleRunStep)
	p.POST("/:id/reset", s.handleResetPipeline)
	p.POST("/:id/confirm", s.handleConfirm)
	p.GET("/:id/audit", s.handleAudit)
	p.GET("/:id/context", s.handleBlockedContext)
	p.GET("/:id/constraints", s.handleComposeConstraints)

	v1.POST("/classify", s.handleClassify)

	r := v1.Group("/rules")
	r.GET("", s.handleListRules)
	r.POST("/reset", s.handleResetRules)
	r.POST("/decay", s.handleDecaySweep)
	r.GET("/:id", s.handleGetRule)
	r.POST("/:id/mute", s.handleMute)
	r.POST("/:id/lock", s.handleLock)
	r.POST("/:id/promote", s.handlePromote)
	r.GET("/:id/promotions", s.handlePromotions)
	r.POST("/:id/overrides", s.handleOverride)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if len(s.checks) == 0 {
		return c.JSON(http.StatusOK, resp)
	}
	resp.Services = make(map[string]string, len(s.checks))
	code := http.StatusOK
	for name, check := range s.checks {
		if err := check(c.Request().Context()); err != nil {
			resp.Services[name] = "unhealthy: " + err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Services[name] = "ok"
	}
	return c.JSON(code, resp)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
