package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// HistoryStore defines the history queries the history endpoint needs.
type HistoryStore interface {
	LatestHistory(ctx context.Context, limit int) ([]*models.HistoryEntry, error)
	HistoryForJob(ctx context.Context, jobName string, limit int) ([]*models.HistoryEntry, error)
	HistoryForRepo(ctx context.Context, repoName string, limit int) ([]*models.HistoryEntry, error)
}

// HistoryHandler handles history-related HTTP endpoints.
type HistoryHandler struct {
	store  HistoryStore
	logger zerolog.Logger
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(store HistoryStore, logger zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:  store,
		logger: logger.With().Str("component", "history_handler").Logger(),
	}
}

// RegisterRoutes registers history routes on the given router group.
func (h *HistoryHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/history", h.List)
}

// List returns history entries newest first. Optional query parameters:
// job, repo (mutually exclusive) and limit.
// GET /api/v1/history
func (h *HistoryHandler) List(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	job, repo := c.Query("job"), c.Query("repo")
	if job != "" && repo != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job and repo filters are mutually exclusive"})
		return
	}

	ctx := c.Request.Context()
	var (
		entries []*models.HistoryEntry
		err     error
	)
	switch {
	case job != "":
		entries, err = h.store.HistoryForJob(ctx, job, limit)
	case repo != "":
		entries, err = h.store.HistoryForRepo(ctx, repo, limit)
	default:
		entries, err = h.store.LatestHistory(ctx, limit)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to query history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query history"})
		return
	}
	if entries == nil {
		entries = []*models.HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"history": entries})
}
