package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/agent"
	"github.com/BaSui01/agentgrid/api/handlers"
	"github.com/BaSui01/agentgrid/bus"
	"github.com/BaSui01/agentgrid/config"
	"github.com/BaSui01/agentgrid/contextstore"
	"github.com/BaSui01/agentgrid/internal/cache"
	"github.com/BaSui01/agentgrid/internal/database"
	"github.com/BaSui01/agentgrid/internal/metrics"
	"github.com/BaSui01/agentgrid/internal/server"
	"github.com/BaSui01/agentgrid/internal/telemetry"
	"github.com/BaSui01/agentgrid/orchestrator"
	"github.com/BaSui01/agentgrid/types"
	"github.com/BaSui01/agentgrid/workflow"
)

const metricsNamespace = "agentgrid"

// Server wires the orchestration core to its HTTP surface.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers

	collector *metrics.Collector
	redis     *cache.Manager
	pool      *database.PoolManager
	bus       *bus.Bus
	store     *contextstore.Store
	engine    *orchestrator.Engine
	agents    []*agent.Client
	watcher   *config.FileWatcher

	handler    http.Handler
	apiServer  *server.Manager
	metricsSrv *server.Manager

	// ctx bounds background work owned by the middleware chain.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds every component from cfg. Nothing listens until Start.
// On error the components built so far are released.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) (s *Server, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s = &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: providers,
		collector: metrics.NewCollector(metricsNamespace, logger),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			_ = s.Shutdown(context.Background())
			s = nil
		}
	}()

	if cfg.UsesRedis() {
		if s.redis, err = cache.NewManager(redisConfig(cfg.Redis), logger); err != nil {
			return s, err
		}
	}

	var eventLog bus.DurableLog
	if cfg.Bus.Durable == "redis" {
		eventLog = bus.NewRedisLog(s.redis.Client(), bus.RedisLogConfig{
			Prefix: cfg.Bus.StreamPrefix,
			MaxLen: cfg.Bus.StreamMaxLen,
		}, logger)
	}
	s.bus = bus.New(bus.Options{
		QueueCapacity: cfg.Bus.QueueCapacity,
		Log:           eventLog,
		Observer:      s.collector,
		Logger:        logger,
	})

	var backend contextstore.Backend
	if cfg.Context.Backend == "redis" {
		backend = contextstore.NewRedisBackend(s.redis.Client(), cfg.Context.KeyPrefix, logger)
	}
	s.store = contextstore.New(contextstore.Options{
		Backend:         backend,
		ConflictRetries: cfg.Context.ConflictRetries,
		WatchBuffer:     cfg.Context.WatchBuffer,
		Logger:          logger,
	})

	archive, err := s.openArchive()
	if err != nil {
		return s, err
	}

	retry := defaultRetry(cfg.Engine.DefaultRetry)
	s.engine = orchestrator.New(orchestrator.Options{
		Bus:                s.bus,
		Store:              s.store,
		Observer:           s.collector,
		Archive:            archive,
		Tracer:             providers.Tracer("github.com/BaSui01/agentgrid/orchestrator"),
		Logger:             logger,
		MaxWorkers:         cfg.Engine.MaxWorkers,
		DefaultMaxParallel: cfg.Engine.DefaultMaxParallel,
		DefaultRetry:       &retry,
		RetentionTTL:       cfg.Engine.RetentionTTL,
		RetentionMaxRuns:   cfg.Engine.RetentionMaxRuns,
		JanitorInterval:    cfg.Engine.JanitorInterval,
	})

	if s.agents, err = builtinAgents(s.engine, s.bus, s.store, logger); err != nil {
		return s, err
	}

	s.handler = s.buildHandler()
	return s, nil
}

// openArchive returns the SQL run archive when a database is configured and
// a bounded in-memory archive otherwise.
func (s *Server) openArchive() (orchestrator.Archive, error) {
	dbCfg := s.cfg.Database
	if !dbCfg.Enabled {
		return orchestrator.NewMemoryArchive(s.cfg.Engine.ArchiveMaxRuns), nil
	}

	db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), s.logger)
	if err != nil {
		return nil, err
	}
	poolCfg := database.DefaultPoolConfig()
	poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	poolCfg.HealthCheckInterval = dbCfg.HealthCheckInterval
	if s.pool, err = database.NewPoolManager(db, poolCfg, s.logger, database.WithRecorder(dbCfg.Driver, s.collector)); err != nil {
		return nil, err
	}
	return database.NewRunArchive(s.pool.DB(), s.collector, s.logger)
}

func (s *Server) buildHandler() http.Handler {
	cfg := s.cfg.Server

	health := handlers.NewHealthHandler(s.logger)
	if s.redis != nil {
		health.RegisterCheck(handlers.NewPingCheck("redis", s.redis.Ping))
	}
	if s.pool != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	}

	var idem handlers.Idempotency
	if s.redis != nil {
		idem = cache.NewIdempotencyStore(s.redis, "", s.cfg.Engine.IdempotencyTTL)
	}

	mux := http.NewServeMux()
	handlers.Routes{
		Health:    health,
		Workflows: handlers.NewWorkflowHandler(s.engine, s.logger),
		Runs:      handlers.NewRunHandler(s.engine, idem, s.logger),
		Context:   handlers.NewContextHandler(s.store, s.logger),
		Events:    handlers.NewEventHandler(s.bus, cfg.CORSAllowedOrigins, s.logger),
		Metrics:   handlers.NewMetricsHandler(s.collector),
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}.Register(mux)

	public := handlers.PublicPaths
	if cfg.MetricsPort == 0 {
		mux.Handle("GET /metrics", s.collector.Handler())
		public = append(append([]string(nil), public...), "/metrics")
	}

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.telemetry.Tracer("github.com/BaSui01/agentgrid/http")),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(cfg.CORSAllowedOrigins),
	}
	if len(cfg.APIKeys) > 0 {
		chain = append(chain, APIKeyAuth(cfg.APIKeys, public, cfg.AllowQueryAPIKey, s.logger))
	}
	if cfg.JWT.Enabled() {
		chain = append(chain, JWTAuth(cfg.JWT, public, s.logger))
	}
	if cfg.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(s.ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, s.logger))
	}
	chain = append(chain, RecordRoute())
	return Chain(mux, chain...)
}

// Handler returns the API handler with its middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Start launches the engine, registers definitions and begins listening.
func (s *Server) Start(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	if err := s.loadDefinitions(ctx); err != nil {
		return err
	}

	cfg := s.cfg.Server
	s.apiServer = server.NewManager(s.handler, server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", cfg.HTTPPort),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		MaxHeaderBytes:  server.DefaultConfig().MaxHeaderBytes,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, s.logger)
	if err := s.apiServer.Start(); err != nil {
		return err
	}

	if cfg.MetricsPort != 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", s.collector.Handler())
		s.metricsSrv = server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", cfg.MetricsPort),
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, s.logger)
		if err := s.metricsSrv.Start(); err != nil {
			return err
		}
	}

	s.logger.Info("agentgrid listening",
		zap.String("api_addr", s.apiServer.Addr()),
		zap.Int("metrics_port", cfg.MetricsPort),
		zap.Strings("workflows", s.engine.Definitions()),
		zap.Strings("agents", s.engine.Agents()))
	return nil
}

// loadDefinitions registers every workflow in engine.definitions_dir and,
// when enabled, watches the directory for new files.
func (s *Server) loadDefinitions(ctx context.Context) error {
	dir := s.cfg.Engine.DefinitionsDir
	if dir == "" {
		return nil
	}

	if _, err := os.Stat(dir); err == nil {
		defs, err := workflow.LoadDir(dir)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if _, err := s.engine.RegisterDefinition(def); err != nil {
				return fmt.Errorf("register %s: %w", def.Name, err)
			}
		}
		s.logger.Info("workflow definitions loaded", zap.String("dir", dir), zap.Int("count", len(defs)))
	} else if !errors.Is(err, os.ErrNotExist) || !s.cfg.Engine.WatchDefinitions {
		return fmt.Errorf("definitions dir: %w", err)
	}

	if !s.cfg.Engine.WatchDefinitions {
		return nil
	}
	w, err := config.NewFileWatcher([]string{dir},
		config.WithExtensions(".json", ".yaml", ".yml"),
		config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnChange(s.onDefinitionChange)
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// onDefinitionChange registers new definition files. Definitions are
// immutable, so edits to an already registered workflow are reported and
// ignored.
func (s *Server) onDefinitionChange(evt config.FileEvent) {
	log := s.logger.With(zap.String("path", evt.Path), zap.Stringer("op", evt.Op))
	if evt.Op == config.FileOpRemove {
		log.Info("definition file removed; registered workflow kept")
		return
	}

	def, err := workflow.LoadFile(evt.Path)
	if err != nil {
		log.Warn("invalid definition file", zap.Error(err))
		return
	}
	if _, err := s.engine.RegisterDefinition(def); err != nil {
		if types.IsCode(err, types.ErrAlreadyExists) {
			log.Warn("workflow already registered; rename it to publish a new version",
				zap.String("workflow", def.Name))
			return
		}
		log.Warn("definition rejected", zap.String("workflow", def.Name), zap.Error(err))
		return
	}
	log.Info("workflow registered", zap.String("workflow", def.Name), zap.String("file", filepath.Base(evt.Path)))
}

// Wait blocks until ctx is cancelled or a listener fails, then stops the
// listeners.
func (s *Server) Wait(ctx context.Context) error {
	managers := []*server.Manager{s.apiServer}
	if s.metricsSrv != nil {
		managers = append(managers, s.metricsSrv)
	}
	return server.Wait(ctx, managers...)
}

// Shutdown stops listeners and releases every component in dependency
// order. It is safe on a partially built Server.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Stop())
	}
	for _, m := range []*server.Manager{s.apiServer, s.metricsSrv} {
		if m != nil {
			errs = append(errs, m.Shutdown(ctx))
		}
	}
	if s.engine != nil {
		errs = append(errs, s.engine.Close(ctx))
	}
	for _, c := range s.agents {
		c.Close()
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.telemetry.Shutdown(ctx))
	if s.cancel != nil {
		s.cancel()
	}
	return errors.Join(errs...)
}

func redisConfig(rc config.RedisConfig) cache.Config {
	c := cache.DefaultConfig()
	c.Addr = rc.Addr
	c.Password = rc.Password
	c.DB = rc.DB
	c.PoolSize = rc.PoolSize
	c.MinIdleConns = rc.MinIdleConns
	c.MaxRetries = rc.MaxRetries
	c.HealthCheckInterval = rc.HealthCheckInterval
	c.TLS = rc.TLS
	return c
}

func defaultRetry(rc config.RetryConfig) workflow.RetryPolicy {
	p := workflow.DefaultRetryPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoff > 0 {
		p.Backoff.Initial = workflow.Duration(rc.InitialBackoff)
	}
	if rc.MaxBackoff > 0 {
		p.Backoff.Max = workflow.Duration(rc.MaxBackoff)
	}
	if rc.Multiplier > 0 {
		p.Backoff.Multiplier = rc.Multiplier
	}
	p.Backoff.Jitter = workflow.JitterOf(rc.Jitter)
	return p
}
