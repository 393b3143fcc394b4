// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the workflow service.
//
// New builds every component from Config: resource manager, bottleneck
// detector, metrics log, revision controller, outcome archive, workflow
// orchestrator and analytics dashboard, plus the Gin router serving the
// HTTP API. Run starts the engine and the HTTP server and shuts both down
// when its context ends.
//
// # Usage
//
//	cfg, err := orchestrator.LoadConfig("quill.yaml")
//	if err != nil {
//	    return err
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianQuill/pkg/logging"
	"github.com/AleutianAI/AleutianQuill/pkg/telemetry"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/archive"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/bottleneck"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/dashboard"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/metricslog"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/resources"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/revision"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/steps"
	"github.com/AleutianAI/AleutianQuill/services/orchestrator/workflow"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the engine and the HTTP server and blocks until ctx ends
	// or the server fails. Every component is closed before it returns.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for tests.
	Router() *gin.Engine

	// Engine returns the workflow orchestrator.
	Engine() *workflow.Orchestrator

	// Dashboard returns the analytics dashboard.
	Dashboard() *dashboard.Dashboard

	// Close releases every component. Safe to call more than once.
	Close() error
}

// Options injects collaborators that are usually built from Config.
// Every field is optional.
type Options struct {
	// Logger replaces the logger built from Config.Log. The service does
	// not close an injected logger.
	Logger *logging.Logger

	// Registry receives the Prometheus collectors and backs /metrics.
	Registry *prometheus.Registry

	// Sampler replaces the gopsutil host sampler.
	Sampler resources.Sampler

	// Steps replaces the step registry built from Config.Steps.
	Steps *steps.Registry

	// Evaluator and Reviser replace the revision collaborators. Both must
	// be set to take effect.
	Evaluator revision.Evaluator
	Reviser   revision.Reviser

	// ConfigPath, when set, is watched by Run. Changes to the dashboard
	// thresholds are applied without a restart.
	ConfigPath string
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
type service struct {
	config      Config
	configPath  string
	logger      *logging.Logger
	ownsLogger  bool
	registry    *prometheus.Registry
	telemetryFn func(context.Context) error

	resources *resources.Manager
	detector  *bottleneck.Detector
	log       *metricslog.Log
	archive   *archive.OutcomeArchive
	engine    *workflow.Orchestrator
	dashboard *dashboard.Dashboard
	router    *gin.Engine

	closeOnce sync.Once
	closeErr  error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the orchestrator Service.
//
// # Description
//
// New initializes every component in dependency order:
//  1. Applies configuration defaults and validates them
//  2. Creates the logger and the Prometheus registry
//  3. Initializes OpenTelemetry (traces and the Prometheus metric bridge)
//  4. Creates the resource manager, detector and metrics log, replaying
//     persisted executions when a metrics directory is configured
//  5. Builds the step registry and revision controller for the backend
//  6. Opens the outcome archive when enabled
//  7. Creates the workflow orchestrator and dashboard
//  8. Sets up the HTTP router
//
// On failure every component created so far is closed.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Injected collaborators. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if configuration or a component is invalid.
func New(cfg Config, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{config: cfg, configPath: opts.ConfigPath}
	if err := s.initLogger(opts); err != nil {
		return nil, err
	}
	s.initRegistry(opts)

	if err := s.initTelemetry(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics := observability.NewWorkflowMetrics(s.registry)

	if err := s.initAnalysis(opts, metrics); err != nil {
		s.cleanup()
		return nil, err
	}

	registry, controller, err := s.initSteps(opts)
	if err != nil {
		s.cleanup()
		return nil, err
	}

	if err := s.initArchive(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open outcome archive: %w", err)
	}

	wfCfg := cfg.Workflow
	wfCfg.Logger = s.logger
	wfCfg.Metrics = metrics
	deps := workflow.Deps{
		Registry:  registry,
		Resources: s.resources,
		Detector:  s.detector,
		Log:       s.log,
		Revision:  controller,
	}
	if s.archive != nil {
		deps.Archive = s.archive
	}
	s.engine, err = workflow.New(wfCfg, deps)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create workflow orchestrator: %w", err)
	}

	s.dashboard, err = dashboard.New(s.log, s.resources, s.detector, dashboard.Config{
		Window:     cfg.Dashboard.Window,
		CacheTTL:   cfg.Dashboard.CacheTTL,
		Thresholds: cfg.Dashboard.Thresholds,
		Logger:     s.logger,
	})
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create dashboard: %w", err)
	}

	s.initRouter()

	s.logger.Info("orchestrator initialized",
		"port", cfg.Port,
		"steps_backend", cfg.Steps.Backend,
		"pipeline", s.engine.Pipeline(),
		"max_concurrent", s.engine.MaxConcurrent(),
		"archive", s.archive != nil,
		"metrics_dir", cfg.Metrics.Dir,
	)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the engine and HTTP server and blocks until ctx ends.
//
// # Outputs
//
//   - error: Nil after a graceful shutdown, otherwise the server or
//     engine failure.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("start workflow engine: %w", err)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting orchestrator server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down orchestrator server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if s.configPath != "" {
		g.Go(func() error {
			if err := watchConfig(gctx, s.configPath, configDebounce, s.logger, s.applyReload); err != nil {
				s.logger.Warn("config hot reload disabled", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Router returns the underlying Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Engine returns the workflow orchestrator.
func (s *service) Engine() *workflow.Orchestrator {
	return s.engine
}

// Dashboard returns the analytics dashboard.
func (s *service) Dashboard() *dashboard.Dashboard {
	return s.dashboard
}

// Close stops the engine and releases every component once.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

func (s *service) initLogger(opts *Options) error {
	if opts.Logger != nil {
		s.logger = opts.Logger
		return nil
	}
	level, err := logging.ParseLevel(s.config.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	s.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  s.config.Log.Dir,
		Service: s.config.Telemetry.ServiceName,
		JSON:    s.config.Log.JSON,
	})
	s.ownsLogger = true
	return nil
}

func (s *service) initRegistry(opts *Options) {
	if opts.Registry != nil {
		s.registry = opts.Registry
		return
	}
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// initTelemetry installs the OTel providers. The Prometheus metric
// exporter registers on the service registry, so OTel instruments share
// /metrics with the client_golang collectors.
func (s *service) initTelemetry() error {
	tcfg := s.config.Telemetry
	tcfg.Registerer = s.registry
	shutdown, err := telemetry.Init(context.Background(), tcfg)
	if err != nil {
		return err
	}
	s.telemetryFn = shutdown
	return nil
}

func (s *service) initAnalysis(opts *Options, metrics *observability.WorkflowMetrics) error {
	sampler := opts.Sampler
	if sampler == nil {
		sampler = resources.NewHostSampler(s.config.Resources.DiskPath)
	}
	var err error
	s.resources, err = resources.NewManager(resources.Config{
		Limits:        s.config.Resources.Limits,
		Requirements:  s.config.Resources.Requirements,
		HistorySize:   s.config.Resources.HistorySize,
		ScalingWindow: s.config.Resources.ScalingWindow,
		Sampler:       sampler,
		Logger:        s.logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create resource manager: %w", err)
	}

	s.detector = bottleneck.NewDetector(bottleneck.Config{
		MinSamples: s.config.Bottleneck.MinSamples,
		CacheTTL:   s.config.Bottleneck.CacheTTL,
		Logger:     s.logger,
	})

	var store metricslog.Store
	if dir := s.config.Metrics.Dir; dir != "" {
		jsonl, err := metricslog.NewJSONLStore(dir)
		if err != nil {
			return fmt.Errorf("failed to open metrics store: %w", err)
		}
		if r := s.config.Metrics.Retention; r > 0 {
			if n, err := jsonl.Prune(time.Now().Add(-r)); err != nil {
				s.logger.Warn("metrics prune failed", "dir", dir, "error", err)
			} else if n > 0 {
				s.logger.Info("metrics partitions pruned", "dir", dir, "removed", n)
			}
		}
		store = jsonl
	}
	var exporters []metricslog.Exporter
	if influx := s.config.Metrics.Influx; influx.Enabled() {
		exp, err := metricslog.NewInfluxExporter(influx)
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return fmt.Errorf("failed to create influx exporter: %w", err)
		}
		s.logger.Info("exporting executions to influxdb", "url", influx.URL, "bucket", influx.Bucket)
		exporters = append(exporters, exp)
	}
	s.log = metricslog.New(metricslog.Config{
		CompletedHistory: s.config.Metrics.CompletedHistory,
		Store:            store,
		Exporters:        exporters,
		Replayed:         s.replayIntoDetector,
		Logger:           s.logger,
	})
	if store != nil {
		// A partial replay is still useful; the log keeps what it read.
		if n, err := s.log.Replay(context.Background(), s.config.Metrics.ReplayWindow); err != nil {
			s.logger.Warn("metrics replay incomplete",
				"dir", s.config.Metrics.Dir,
				"loaded", n,
				"error", err,
			)
		}
	}
	return nil
}

// replayIntoDetector feeds a persisted execution's step samples to the
// bottleneck detector at their original timestamps.
func (s *service) replayIntoDetector(exec metricslog.Execution) {
	for _, st := range exec.Steps {
		at := st.Timestamp
		if at.IsZero() {
			at = exec.CompletedAt
		}
		s.detector.RecordStepAt(st.Name, st.Duration, st.Success, at)
	}
}

// initSteps builds the step registry and revision controller for the
// configured backend.
func (s *service) initSteps(opts *Options) (*steps.Registry, *revision.Controller, error) {
	registry := opts.Steps
	evaluator, reviser := opts.Evaluator, opts.Reviser

	if registry == nil || evaluator == nil || reviser == nil {
		switch s.config.Steps.Backend {
		case BackendOpenAI:
			llm, err := steps.NewLLM(s.config.Steps.OpenAI, s.logger)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to initialize OpenAI client: %w", err)
			}
			if registry == nil {
				registry = steps.NewRegistry()
				if err := steps.RegisterOpenAISteps(registry, llm); err != nil {
					return nil, nil, fmt.Errorf("failed to register OpenAI steps: %w", err)
				}
			}
			if evaluator == nil || reviser == nil {
				evaluator, reviser = steps.OpenAIEvaluator{LLM: llm}, steps.OpenAIReviser{LLM: llm}
			}
		default:
			if registry == nil {
				registry = steps.NewRegistry()
				if err := steps.RegisterEssaySteps(registry, steps.EssayOptions{Latency: s.config.Steps.Latency}); err != nil {
					return nil, nil, fmt.Errorf("failed to register essay steps: %w", err)
				}
			}
			if evaluator == nil || reviser == nil {
				evaluator = steps.HeuristicEvaluator{AcceptAt: s.config.Revision.TargetScore}
				reviser = steps.AppendReviser{}
			}
		}
	}

	controller, err := revision.NewController(evaluator, reviser, revision.Config{
		TargetScore: s.config.Revision.TargetScore,
		MaxAttempts: *s.config.Revision.MaxAttempts,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create revision controller: %w", err)
	}
	return registry, controller, nil
}

func (s *service) initArchive() error {
	ac := s.config.Archive
	if !ac.Enabled {
		return nil
	}
	cfg := archive.InMemoryConfig()
	if !ac.InMemory {
		cfg = archive.DefaultConfig(ac.Path)
	}
	if ac.TTL > 0 {
		cfg.TTL = ac.TTL
	}
	cfg.Logger = s.logger

	a, err := archive.Open(cfg)
	if err != nil {
		return err
	}
	s.archive = a
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))
	s.router.Use(middleware.RequestLogger(s.logger))

	deps := routes.Dependencies{
		Engine:      s.engine,
		Pipeline:    s.engine.Pipeline(),
		Dashboard:   s.dashboard,
		Performance: s.log,
		Capacity:    s.resources,
		Gatherer:    s.registry,
		APIToken:    s.config.APIToken,
		Logger:      s.logger,
	}
	if s.archive != nil {
		deps.Archive = s.archive
	}
	routes.SetupRoutes(s.router, deps)
}

// cleanup releases all resources held by the service. Errors are
// collected so one failing component does not leak the rest.
func (s *service) cleanup() error {
	var errs []error
	if s.engine != nil {
		if err := s.engine.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop engine: %w", err))
		}
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close metrics log: %w", err))
		}
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if s.telemetryFn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.telemetryFn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		cancel()
	}

	err := errors.Join(errs...)
	if err != nil && s.logger != nil {
		s.logger.Error("orchestrator cleanup failed", "error", err)
	}
	if s.ownsLogger && s.logger != nil {
		_ = s.logger.Close()
	}
	return err
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
