package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/floweave/floweave/api/handlers"
	"github.com/floweave/floweave/approval"
	"github.com/floweave/floweave/checkpoint"
	"github.com/floweave/floweave/config"
	"github.com/floweave/floweave/engine"
	"github.com/floweave/floweave/gateway"
	"github.com/floweave/floweave/internal/cache"
	"github.com/floweave/floweave/internal/database"
	"github.com/floweave/floweave/internal/metrics"
	"github.com/floweave/floweave/internal/server"
	"github.com/floweave/floweave/saga"
	"github.com/floweave/floweave/version"
)

// Server owns the full service: stores, engine, and HTTP surfaces.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	pool  *database.PoolManager
	cache *cache.Manager

	collector   *metrics.Collector
	gateway     *gateway.Gateway
	versions    *version.Manager
	approvals   *approval.Manager
	checkpoints *checkpoint.Manager
	compensator *saga.Coordinator
	engine      *engine.Engine

	healthHandler   *handlers.HealthHandler
	workflowHandler *handlers.WorkflowHandler
	instanceHandler *handlers.InstanceHandler
	approvalHandler *handlers.ApprovalHandler
	adminHandler    *handlers.AdminHandler

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires all components and starts the HTTP and metrics servers.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("floweave", s.logger)

	if err := s.initStores(); err != nil {
		return fmt.Errorf("failed to init stores: %w", err)
	}
	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_enabled", s.cfg.Redis.Enabled),
	)

	return nil
}

// initStores opens the database pool and, when enabled, the Redis cache.
func (s *Server) initStores() error {
	db, err := database.Open(database.Config{
		Driver: s.cfg.Database.Driver,
		DSN:    s.cfg.Database.DSN(),
		Pool:   database.DefaultPoolConfig(),
	})
	if err != nil {
		return err
	}

	poolCfg := database.DefaultPoolConfig()
	poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime

	s.pool, err = database.NewPoolManager(db, poolCfg, s.logger)
	if err != nil {
		return err
	}

	if s.cfg.Redis.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = s.cfg.Redis.Addr
		cacheCfg.Password = s.cfg.Redis.Password
		cacheCfg.DB = s.cfg.Redis.DB
		cacheCfg.PoolSize = s.cfg.Redis.PoolSize
		cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns

		s.cache, err = cache.NewManager(cacheCfg, s.logger)
		if err != nil {
			return err
		}
	}

	return nil
}

// initEngine builds the version manager, gateway, checkpoint manager, saga
// coordinator, approval manager, and the engine on top of them.
func (s *Server) initEngine() error {
	db := s.pool.DB()

	versionStore, err := version.NewGormStore(db)
	if err != nil {
		return err
	}
	s.versions = version.NewManager(versionStore, s.logger)

	approvalStore, err := approval.NewGormStore(db)
	if err != nil {
		return err
	}
	s.approvals = approval.NewManager(approvalStore, s.logger)

	auditStore, err := saga.NewGormAuditStore(db)
	if err != nil {
		return err
	}

	// Checkpoints live in Redis when available so another worker can pick a
	// suspended instance up without touching this process.
	var checkpointStore checkpoint.Store
	if s.cache != nil {
		checkpointStore = checkpoint.NewRedisStore(s.cache.Client(), "floweave:ckpt:", s.cfg.Checkpoint.TTL)
	} else {
		checkpointStore, err = checkpoint.NewGormStore(db)
		if err != nil {
			return err
		}
	}
	s.checkpoints = checkpoint.NewManager(checkpointStore, checkpoint.Config{
		TTL:             s.cfg.Checkpoint.TTL,
		ReclaimInterval: s.cfg.Checkpoint.ReclaimInterval,
	}, s.logger)
	s.checkpoints.SetMetrics(s.collector)

	breakers := gateway.NewBreakerRegistry(gateway.BreakerConfig{
		FailureThreshold:  s.cfg.Gateway.FailureThreshold,
		SuccessThreshold:  s.cfg.Gateway.SuccessThreshold,
		OpenTimeout:       s.cfg.Gateway.OpenTimeout,
		HalfOpenMaxProbes: s.cfg.Gateway.HalfOpenMaxProbes,
	}, nil, s.logger)

	gatewayOpts := []gateway.Option{
		gateway.WithMetrics(s.collector),
		gateway.WithRateLimit(gateway.RateLimitConfig{
			CallsPerSecond: s.cfg.Gateway.CallsPerSecond,
			Burst:          s.cfg.Gateway.Burst,
		}),
	}
	if s.cache != nil {
		gatewayOpts = append(gatewayOpts,
			gateway.WithIdempotencyStore(s.cache.NewIdempotencyStore("", 0)))
	}
	s.gateway = gateway.New(breakers, s.logger, gatewayOpts...)

	s.compensator = saga.NewCoordinator(s.gateway, auditStore, s.logger)

	var bus engine.EventBus
	if s.cache != nil {
		bus = s.cache.NewEventHub("")
	}

	s.engine = engine.New(engine.Deps{
		Versions:    s.versions,
		Gateway:     s.gateway,
		Checkpoints: s.checkpoints,
		Approvals:   s.approvals,
		Compensator: s.compensator,
		Deployers:   version.NewDeployerRegistry(),
		Bus:         bus,
		Metrics:     s.collector,
		Logger:      s.logger,
	}, engine.Config{
		ApprovalSweepInterval: s.cfg.Engine.ApprovalSweepInterval,
		ShutdownGrace:         s.cfg.Engine.ShutdownGrace,
	})
	s.engine.StartBackground()

	return nil
}

// initHandlers builds the HTTP handlers.
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("database", s.pool.Ping))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", s.cache.Ping))
	}

	s.workflowHandler = handlers.NewWorkflowHandler(s.versions, s.logger)
	s.instanceHandler = handlers.NewInstanceHandler(s.engine, s.logger)
	s.approvalHandler = handlers.NewApprovalHandler(s.approvals, s.logger)
	s.adminHandler = handlers.NewAdminHandler(s.compensator, s.gateway, s.logger)
}

// startHTTPServer registers routes and starts the API server.
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// Workflow definitions and versions
	mux.HandleFunc("POST /api/v1/workflows", s.workflowHandler.HandleCreateVersion)
	mux.HandleFunc("GET /api/v1/workflows/{workflow_id}", s.workflowHandler.HandleGetActive)
	mux.HandleFunc("GET /api/v1/workflows/{workflow_id}/versions", s.workflowHandler.HandleListVersions)
	mux.HandleFunc("GET /api/v1/workflows/{workflow_id}/versions/{version}", s.workflowHandler.HandleGetVersion)
	mux.HandleFunc("DELETE /api/v1/workflows/{workflow_id}/versions/{version}", s.workflowHandler.HandleDeleteVersion)
	mux.HandleFunc("POST /api/v1/workflows/{workflow_id}/publish", s.workflowHandler.HandlePublish)
	mux.HandleFunc("POST /api/v1/workflows/{workflow_id}/rollback", s.workflowHandler.HandleRollback)

	// Instance lifecycle
	mux.HandleFunc("POST /api/v1/instances", s.instanceHandler.HandleStart)
	mux.HandleFunc("GET /api/v1/instances", s.instanceHandler.HandleList)
	mux.HandleFunc("GET /api/v1/instances/{id}", s.instanceHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/instances/{id}/pause", s.instanceHandler.HandlePause)
	mux.HandleFunc("POST /api/v1/instances/{id}/resume", s.instanceHandler.HandleResume)
	mux.HandleFunc("POST /api/v1/instances/{id}/cancel", s.instanceHandler.HandleCancel)
	mux.HandleFunc("POST /api/v1/instances/{id}/rehydrate", s.instanceHandler.HandleRehydrate)
	mux.HandleFunc("GET /api/v1/instances/{id}/compensations", s.adminHandler.HandleCompensationHistory)

	// External events
	mux.HandleFunc("POST /api/v1/events", s.instanceHandler.HandleSignal)

	// Approvals
	mux.HandleFunc("GET /api/v1/approvals", s.approvalHandler.HandlePending)
	mux.HandleFunc("GET /api/v1/approvals/{id}", s.approvalHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/approvals/{id}/decide", s.approvalHandler.HandleDecide)

	// Circuit breakers
	mux.HandleFunc("GET /api/v1/breakers", s.adminHandler.HandleBreakers)
	mux.HandleFunc("POST /api/v1/breakers/{target}/reset", s.adminHandler.HandleBreakerReset)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// startMetricsServer starts the Prometheus scrape endpoint.
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a shutdown signal, then cleans up.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the engine, servers, and connections in order.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	// Suspend running instances so another worker can resume them.
	if s.engine != nil {
		if err := s.engine.Shutdown(ctx); err != nil {
			s.logger.Error("engine shutdown error", zap.Error(err))
		}
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
