package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// JobStore defines the configuration lookups the jobs endpoints need.
type JobStore interface {
	LoadJobs(ctx context.Context) ([]*models.Job, error)
}

// JobScheduler defines the scheduler operations the jobs endpoints need.
type JobScheduler interface {
	ScheduledJobs() []backup.ScheduledJob
	RunningJobs() []string
	RunNowByName(ctx context.Context, name string) error
}

// JobAcceptor reports whether new runs may start.
type JobAcceptor interface {
	IsAcceptingJobs() bool
}

// JobsHandler handles job-related HTTP endpoints.
type JobsHandler struct {
	store     JobStore
	scheduler JobScheduler
	acceptor  JobAcceptor
	logger    zerolog.Logger
}

// NewJobsHandler creates a new JobsHandler. acceptor may be nil.
func NewJobsHandler(store JobStore, scheduler JobScheduler, acceptor JobAcceptor, logger zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store:     store,
		scheduler: scheduler,
		acceptor:  acceptor,
		logger:    logger.With().Str("component", "jobs_handler").Logger(),
	}
}

// RegisterRoutes registers job routes on the given router group.
func (h *JobsHandler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.GET("", h.List)
		jobs.POST("/:name/run", h.Run)
	}
}

// JobResponse describes a configured job and its scheduling state.
type JobResponse struct {
	Job       models.Job `json:"job"`
	Scheduled bool       `json:"scheduled"`
	Kind      string     `json:"kind,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	Running   bool       `json:"running"`
}

// List returns every configured job with its next run time.
// GET /api/v1/jobs
func (h *JobsHandler) List(c *gin.Context) {
	jobs, err := h.store.LoadJobs(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load jobs"})
		return
	}

	scheduled := make(map[string]backup.ScheduledJob)
	for _, sj := range h.scheduler.ScheduledJobs() {
		scheduled[sj.Job.Name] = sj
	}
	running := make(map[string]bool)
	for _, name := range h.scheduler.RunningJobs() {
		running[name] = true
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		jr := JobResponse{Job: *job, Running: running[job.Name]}
		if sj, ok := scheduled[job.Name]; ok {
			next := sj.NextRun
			jr.Scheduled = true
			jr.Kind = sj.Kind
			jr.NextRun = &next
		}
		resp = append(resp, jr)
	}

	c.JSON(http.StatusOK, gin.H{"jobs": resp})
}

// Run starts a configured job in the background.
// POST /api/v1/jobs/:name/run
func (h *JobsHandler) Run(c *gin.Context) {
	name := c.Param("name")

	if h.acceptor != nil && !h.acceptor.IsAcceptingJobs() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down, not accepting new jobs"})
		return
	}

	if err := h.scheduler.RunNowByName(c.Request.Context(), name); err != nil {
		if errors.Is(err, backup.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error().Err(err).Str("job", name).Msg("failed to start job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start job"})
		return
	}

	h.logger.Info().Str("job", name).Msg("job started on demand")
	c.JSON(http.StatusAccepted, gin.H{"job": name, "status": "started"})
}
