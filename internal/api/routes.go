// Package api provides the admin HTTP surface of the scheduler daemon.
package api

import (
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/api/handlers"
	"github.com/MacJediWizard/keldris-scheduler/internal/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// RateLimitRequests is the number of /api/v1 requests allowed per client
	// and period. Zero disables limiting.
	RateLimitRequests int64
	// RateLimitPeriod is the rate limiting window.
	RateLimitPeriod time.Duration
	// Version information for the version endpoint.
	Version handlers.VersionInfo
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitRequests: 60,
		RateLimitPeriod:   time.Minute,
		Version:           handlers.VersionInfo{Version: "dev"},
	}
}

// Dependencies are the daemon components the routes read from. Shutdown,
// Host and Gatherer may be nil.
type Dependencies struct {
	Jobs      handlers.JobStore
	History   HistoryBackend
	Scheduler SchedulerBackend
	Board     handlers.StatusSource
	Locks     handlers.LockInspector
	Shutdown  handlers.ShutdownStatusProvider
	Host      handlers.HostHealthChecker
	Gatherer  prometheus.Gatherer
}

// HistoryBackend is the history store as seen by the API.
type HistoryBackend interface {
	handlers.HistoryStore
	handlers.HistoryHealthChecker
}

// SchedulerBackend is the job scheduler as seen by the API.
type SchedulerBackend interface {
	handlers.JobScheduler
	handlers.SchedulerHealthChecker
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger, "/health", "/metrics"))
	r.Engine.Use(middleware.SecurityHeaders())

	// Probes and scrapes are never rate limited.
	healthHandler := handlers.NewHealthHandler(deps.History, deps.Scheduler, deps.Shutdown, logger)
	if deps.Host != nil {
		healthHandler.WithHostChecker(deps.Host)
	}
	healthHandler.RegisterPublicRoutes(r.Engine)
	handlers.NewMetricsHandler(deps.Gatherer).RegisterPublicRoutes(r.Engine)

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod)
	if err != nil {
		return nil, err
	}

	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(rateLimiter)

	handlers.NewVersionHandler(cfg.Version).RegisterRoutes(apiV1)
	handlers.NewStatusHandler(deps.Board, deps.Locks, deps.Scheduler).RegisterRoutes(apiV1)
	handlers.NewJobsHandler(deps.Jobs, deps.Scheduler, deps.Shutdown, logger).RegisterRoutes(apiV1)
	handlers.NewHistoryHandler(deps.History, logger).RegisterRoutes(apiV1)

	r.logger.Debug().Msg("routes registered")
	return r, nil
}
