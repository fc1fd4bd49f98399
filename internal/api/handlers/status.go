package handlers

import (
	"net/http"

	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/gin-gonic/gin"
)

// StatusSource provides the latest progress published by the executor.
type StatusSource interface {
	Snapshot() backup.StatusSnapshot
}

// LockInspector lists the repositories currently locked by a run.
type LockInspector interface {
	HeldNames() []string
}

// RunningJobLister lists the jobs in flight.
type RunningJobLister interface {
	RunningJobs() []string
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	backup.StatusSnapshot
	RunningJobs []string `json:"running_jobs"`
	HeldLocks   []string `json:"held_locks"`
}

// StatusHandler reports what the scheduler is doing right now.
type StatusHandler struct {
	board   StatusSource
	locks   LockInspector
	running RunningJobLister
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(board StatusSource, locks LockInspector, running RunningJobLister) *StatusHandler {
	return &StatusHandler{board: board, locks: locks, running: running}
}

// RegisterRoutes registers status routes on the given router group.
func (h *StatusHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.Get)
}

// Get returns the current state, the latest progress line, the running
// jobs and the held repository locks.
// GET /api/v1/status
func (h *StatusHandler) Get(c *gin.Context) {
	resp := StatusResponse{
		StatusSnapshot: backup.StatusSnapshot{State: backup.StateIdle},
		RunningJobs:    []string{},
		HeldLocks:      []string{},
	}
	if h.board != nil {
		resp.StatusSnapshot = h.board.Snapshot()
	}
	if h.running != nil {
		if names := h.running.RunningJobs(); names != nil {
			resp.RunningJobs = names
		}
	}
	if h.locks != nil {
		if names := h.locks.HeldNames(); names != nil {
			resp.HeldLocks = names
		}
	}
	c.JSON(http.StatusOK, resp)
}
