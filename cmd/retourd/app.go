package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub006/internal/classifier"
	"github.com/MSA-I/RE-TOUR-sub006/internal/config"
	"github.com/MSA-I/RE-TOUR-sub006/internal/constraints"
	"github.com/MSA-I/RE-TOUR-sub006/internal/events"
	"github.com/MSA-I/RE-TOUR-sub006/internal/external"
	httpserver "github.com/MSA-I/RE-TOUR-sub006/internal/http"
	"github.com/MSA-I/RE-TOUR-sub006/internal/learning"
	"github.com/MSA-I/RE-TOUR-sub006/internal/mcp"
	"github.com/MSA-I/RE-TOUR-sub006/internal/orchestrator"
	"github.com/MSA-I/RE-TOUR-sub006/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub006/internal/rules"
	"github.com/MSA-I/RE-TOUR-sub006/internal/secrets"
	"github.com/MSA-I/RE-TOUR-sub006/internal/store"
	"github.com/MSA-I/RE-TOUR-sub006/internal/telemetry"
)

// backend is what the daemon needs from a store.
type backend interface {
	pipeline.Store
	rules.Store
	orchestrator.RejectionLog
	learning.Transactor
	Ping(ctx context.Context) error
}

// memoryBackend adapts the in-memory store, which has nothing to ping.
type memoryBackend struct{ *store.Memory }

func (memoryBackend) Ping(context.Context) error { return nil }

// app holds every long-lived component of the daemon.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	tel    *telemetry.Telemetry

	store   backend
	closeDB func() error

	natsSrv   *natsserver.Server
	natsConn  *nats.Conn
	publisher events.Publisher

	pipelines  *pipeline.Service
	engine     *learning.Engine
	resilient  *external.Resilient
	orch       *orchestrator.Orchestrator
	scheduler  *learning.DecayScheduler
	httpServer *httpserver.Server
}

// newApp wires the daemon. On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, publisher: events.Nop{}}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	a.tel, err = telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return a, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err = a.openStore(); err != nil {
		return a, err
	}
	if err = a.connectEvents(); err != nil {
		return a, err
	}
	if err = a.buildCore(); err != nil {
		return a, err
	}
	if err = a.buildHTTP(); err != nil {
		return a, err
	}
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Storage.Driver {
	case config.DriverMemory:
		a.store = memoryBackend{store.NewMemory(nil)}
		a.logger.Warn("using in-memory store, state is lost on restart")
	default:
		db, err := store.OpenSQLite(a.cfg.Storage.Path, nil)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		a.store = db
		a.closeDB = db.Close
		a.logger.Info("store opened", zap.String("driver", a.cfg.Storage.Driver), zap.String("path", a.cfg.Storage.Path))
	}
	return nil
}

func (a *app) connectEvents() error {
	ec := a.cfg.Events
	if !ec.Enabled {
		return nil
	}
	url := ec.URL
	if ec.Embedded {
		srv, err := events.StartEmbedded("127.0.0.1", -1)
		if err != nil {
			return err
		}
		a.natsSrv = srv
		url = srv.ClientURL()
		a.logger.Info("embedded nats started", zap.String("url", url))
	}
	nc, err := events.Connect(url, ec.ClientName, a.logger)
	if err != nil {
		return err
	}
	a.natsConn = nc
	a.publisher = events.NewNATSPublisher(nc, ec.SubjectPrefix, a.logger)
	a.logger.Info("connected to nats", zap.String("url", url), zap.String("prefix", ec.SubjectPrefix))
	return nil
}

func (a *app) buildCore() error {
	cfg := a.cfg

	pm, err := pipeline.NewMetrics(a.tel.Meter(pipeline.InstrumentationName))
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	a.pipelines, err = pipeline.NewService(pipeline.DefaultRegistry(), a.store,
		pipeline.WithDefaultMaxAttempts(cfg.Pipeline.MaxAttempts),
		pipeline.WithPublisher(a.publisher),
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(pm),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline service: %w", err)
	}

	clf, err := classifier.New(
		classifier.WithMaxInputLength(cfg.Classifier.MaxInputLength),
		classifier.WithExtraRules(cfg.Classifier.ExtraRules),
	)
	if err != nil {
		return fmt.Errorf("failed to create classifier: %w", err)
	}

	a.engine, err = learning.NewEngine(a.store, cfg.Learning,
		learning.WithLogger(a.logger),
		learning.WithMetrics(learning.DefaultMetrics()),
		learning.WithPublisher(a.publisher),
		learning.WithTransactor(a.store),
	)
	if err != nil {
		return fmt.Errorf("failed to create learning engine: %w", err)
	}

	svc := a.pipelines
	inj, err := constraints.New(a.engine,
		constraints.WithLimits(cfg.Constraints),
		constraints.WithLogger(a.logger),
		constraints.WithOwnerResolver(constraints.OwnerResolverFunc(func(ctx context.Context, id string) (string, error) {
			v, err := svc.Get(ctx, id)
			if err != nil {
				return "", err
			}
			return v.OwnerRef, nil
		})),
	)
	if err != nil {
		return fmt.Errorf("failed to create constraint injector: %w", err)
	}

	deps := orchestrator.Deps{
		Pipelines:  a.pipelines,
		Classifier: clf,
		Engine:     a.engine,
		Injector:   inj,
		Rejections: a.store,
	}
	if cfg.External.Configured() {
		if err := a.buildExternal(&deps); err != nil {
			return err
		}
	} else {
		a.logger.Info("external services not configured, run endpoint disabled")
	}

	scrubber, err := secrets.New(cfg.Secrets)
	if err != nil {
		return fmt.Errorf("failed to create feedback scrubber: %w", err)
	}
	om, err := orchestrator.NewMetrics(a.tel.Meter(orchestrator.InstrumentationName))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator metrics: %w", err)
	}
	a.orch, err = orchestrator.New(deps,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(om),
		orchestrator.WithPublisher(a.publisher),
		orchestrator.WithRedactor(scrubber),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if cfg.Scheduler.Enabled {
		a.scheduler, err = learning.NewDecayScheduler(a.engine, a.logger,
			learning.WithSchedule(cfg.Scheduler.DecaySchedule),
			learning.WithSweepTimeout(cfg.Scheduler.SweepTimeout.Duration()),
		)
		if err != nil {
			return fmt.Errorf("failed to create decay scheduler: %w", err)
		}
	}
	return nil
}

func (a *app) buildExternal(deps *orchestrator.Deps) error {
	ec := a.cfg.External
	gen, err := external.NewHTTPGenerator(ec.GeneratorURL, ec.APIKey.Value(),
		external.WithHTTPClient(&http.Client{Timeout: ec.GenerateTimeout.Duration()}))
	if err != nil {
		return fmt.Errorf("failed to create generator client: %w", err)
	}
	rev, err := external.NewHTTPReviewer(ec.ReviewerURL, ec.APIKey.Value(),
		external.WithHTTPClient(&http.Client{Timeout: ec.ReviewTimeout.Duration()}))
	if err != nil {
		return fmt.Errorf("failed to create reviewer client: %w", err)
	}
	a.resilient, err = external.NewResilient(gen, rev, ec.Retry, a.logger)
	if err != nil {
		return fmt.Errorf("failed to wrap external services: %w", err)
	}
	deps.Generator = a.resilient
	deps.Reviewer = a.resilient
	a.logger.Info("external services configured",
		zap.String("generator_url", ec.GeneratorURL),
		zap.String("reviewer_url", ec.ReviewerURL),
		zap.Int("max_retries", ec.Retry.MaxRetries))
	return nil
}

func (a *app) buildHTTP() error {
	sc := a.cfg.Server
	opts := []httpserver.Option{
		httpserver.WithMetrics(httpserver.NewHTTPMetrics(a.tel.Meter(httpserver.InstrumentationName), a.logger)),
		httpserver.WithHealthCheck("store", a.store.Ping),
		httpserver.WithHealthCheck("telemetry", func(context.Context) error {
			if h := a.tel.Health(); h.Degraded {
				return errors.New("degraded")
			}
			return nil
		}),
	}
	if a.natsConn != nil {
		nc := a.natsConn
		opts = append(opts, httpserver.WithHealthCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		}))
	}
	if a.resilient != nil {
		r := a.resilient
		opts = append(opts, httpserver.WithHealthCheck("external", func(context.Context) error {
			for name, state := range r.BreakerStates() {
				if state == "open" {
					return fmt.Errorf("circuit %s is open", name)
				}
			}
			return nil
		}))
	}

	var err error
	a.httpServer, err = httpserver.NewServer(a.orch, a.logger, &httpserver.Config{
		Host:           sc.Host,
		Port:           sc.Port,
		RequestTimeout: sc.RequestTimeout.Duration(),
		RateLimit:      sc.RateLimit,
		RateBurst:      sc.RateBurst,
		APIToken:       sc.APIToken.Value(),
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	return nil
}

// mcpServer builds the MCP tool server over the same orchestrator.
func (a *app) mcpServer() (*mcp.Server, error) {
	cfg := mcp.DefaultConfig()
	cfg.Logger = a.logger
	cfg.Metrics = mcp.NewMetrics(a.tel.Meter(mcp.InstrumentationName), a.logger)
	return mcp.NewServer(cfg, a.orch)
}

// serve runs the HTTP API and the decay scheduler until ctx is done.
func (a *app) serve(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start decay scheduler: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

// close stops everything newApp started, newest first.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("decay scheduler stop failed", zap.Error(err))
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}
	if a.natsSrv != nil {
		a.natsSrv.Shutdown()
	}
	if a.closeDB != nil {
		if err := a.closeDB(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
