package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/health"
	"github.com/MacJediWizard/keldris-scheduler/internal/shutdown"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDraining  HealthStatus = "draining"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status HealthStatus                  `json:"status"`
	Checks map[string]*HealthCheckResult `json:"checks,omitempty"`
}

// HistoryHealthChecker checks that the history database is reachable.
type HistoryHealthChecker interface {
	Ping(ctx context.Context) error
}

// SchedulerHealthChecker reports whether triggers are being fired.
type SchedulerHealthChecker interface {
	IsStarted() bool
}

// ShutdownStatusProvider reports the shutdown state of the daemon.
type ShutdownStatusProvider interface {
	GetStatus() shutdown.Status
	IsAcceptingJobs() bool
}

// HostHealthChecker evaluates host resources and the restic binary.
type HostHealthChecker interface {
	Check(ctx context.Context) *health.CheckResult
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	history   HistoryHealthChecker
	scheduler SchedulerHealthChecker
	shutdown  ShutdownStatusProvider
	host      HostHealthChecker
	logger    zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. Any checker may be nil.
func NewHealthHandler(history HistoryHealthChecker, scheduler SchedulerHealthChecker, sd ShutdownStatusProvider, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		history:   history,
		scheduler: scheduler,
		shutdown:  sd,
		logger:    logger.With().Str("component", "health_handler").Logger(),
	}
}

// WithHostChecker adds a host check to the overall health.
func (h *HealthHandler) WithHostChecker(host HostHealthChecker) *HealthHandler {
	h.host = host
	return h
}

// RegisterPublicRoutes registers health check routes.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Overall)
}

// Overall returns the overall daemon health.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := &HealthResponse{
		Status: HealthStatusHealthy,
		Checks: map[string]*HealthCheckResult{
			"history":   h.checkHistory(ctx),
			"scheduler": h.checkScheduler(),
		},
	}
	if h.host != nil {
		response.Checks["host"] = h.checkHost(ctx)
	}

	for _, check := range response.Checks {
		if check.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		}
	}

	if h.shutdown != nil && !h.shutdown.IsAcceptingJobs() {
		status := h.shutdown.GetStatus()
		response.Status = HealthStatusDraining
		response.Checks["shutdown"] = &HealthCheckResult{
			Status: HealthStatusDraining,
			Details: map[string]any{
				"state":      status.State,
				"held_locks": status.HeldLocks,
				"message":    status.Message,
			},
		}
	}

	if response.Status != HealthStatusHealthy {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkHistory(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}

	if h.history == nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "history store not configured"
		return result
	}

	err := h.history.Ping(ctx)
	result.Duration = time.Since(start).String()
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "history database ping failed"
		h.logger.Warn().Err(err).Msg("history health check failed")
	}
	return result
}

func (h *HealthHandler) checkScheduler() *HealthCheckResult {
	result := &HealthCheckResult{Status: HealthStatusHealthy}
	if h.scheduler == nil {
		result.Details = map[string]any{"configured": false}
		return result
	}
	result.Details = map[string]any{"started": h.scheduler.IsStarted()}
	return result
}

// checkHost maps host issues onto the check. Warnings stay healthy.
func (h *HealthHandler) checkHost(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	hr := h.host.Check(ctx)
	result := &HealthCheckResult{
		Status:   HealthStatusHealthy,
		Duration: time.Since(start).String(),
		Details: map[string]any{
			"status":  hr.Status,
			"message": hr.Message,
		},
	}
	if hr.Metrics != nil {
		result.Details["disk_usage"] = hr.Metrics.DiskUsage
		result.Details["memory_usage"] = hr.Metrics.MemoryUsage
		result.Details["restic_version"] = hr.Metrics.ResticVersion
	}
	if len(hr.Issues) > 0 {
		result.Details["issues"] = hr.Issues
	}
	if hr.Status == health.StatusCritical {
		result.Status = HealthStatusUnhealthy
		result.Error = hr.Message
		h.logger.Warn().Interface("issues", hr.Issues).Msg("host health check failed")
	}
	return result
}
