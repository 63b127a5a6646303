// Package server assembles the broker: storage, registry, engine,
// managers, and the gin router carrying the bot WebSocket endpoint and
// the admin API.
package server

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/chromeherd/chromeherd/internal/api/http"
	"github.com/chromeherd/chromeherd/internal/api/middleware"
	"github.com/chromeherd/chromeherd/internal/api/ws"
	"github.com/chromeherd/chromeherd/internal/broker"
	"github.com/chromeherd/chromeherd/internal/infrastructure/config"
	"github.com/chromeherd/chromeherd/internal/infrastructure/logging"
	"github.com/chromeherd/chromeherd/internal/infrastructure/monitoring"
	"github.com/chromeherd/chromeherd/internal/navigate"
	"github.com/chromeherd/chromeherd/internal/recording"
	"github.com/chromeherd/chromeherd/internal/store"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
	db        *store.DB
	registry  *broker.Registry
	engine    *broker.Engine
	navigator *navigate.Manager
	recorder  *recording.Manager
	cancel    context.CancelFunc
}

// NewServer creates a server instance from configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *zap.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing broker",
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Path),
	)

	metrics := monitoring.NewMetrics()

	db, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := broker.NewRegistry(logger, cfg.Broker.SilenceLimit)
	engine := broker.NewEngine(registry, logger).WithMetrics(metrics)

	recorder := recording.NewManager(engine, db, logger).WithMetrics(metrics)
	navigator := navigate.NewManager(engine, logger, cfg.Navigate.CallTimeout, cfg.Navigate.HardLimit).WithMetrics(metrics)
	engine.WithEvents(NewEventRouter(recorder, db, logger))

	registry.OnDetach(navigator.HandleDisconnect)
	registry.OnDetach(recorder.HandleDisconnect)
	registry.OnDetach(func(string) { metrics.SetBotsConnected(registry.Count()) })

	bgCtx, cancel := context.WithCancel(context.Background())
	registry.StartSweeper(bgCtx, cfg.Broker.SweepInterval)
	recorder.RunPolicy(bgCtx, cfg.Recording.PolicyInterval)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	corsCfg := middleware.DefaultCORSConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.Server.AllowedOrigins
	}
	router.Use(middleware.CORS(corsCfg))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	wsHandler := ws.NewHandler(engine, db, logger, cfg.Broker.AuthTimeout).WithMetrics(metrics)
	handlers := apihttp.NewHandlers(engine, navigator, recorder, db, logger, cfg.Broker.CallTimeout)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"bots":   registry.Count(),
		})
	})
	router.GET("/ws", wsHandler.HandleConnection)
	handlers.Register(router.Group("/api/v1"))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info("Broker initialized")

	return &Server{
		router:    router,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
		db:        db,
		registry:  registry,
		engine:    engine,
		navigator: navigator,
		recorder:  recorder,
		cancel:    cancel,
	}, nil
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close stops background loops and releases the store.
func (s *Server) Close() error {
	s.logger.Info("Shutting down broker")
	s.cancel()
	if err := s.db.Close(); err != nil {
		s.logger.Error("Store close failed", zap.Error(err))
		return err
	}
	s.logger.Sync()
	return nil
}
