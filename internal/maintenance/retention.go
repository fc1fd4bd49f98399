// Package maintenance runs periodic housekeeping for the scheduler daemon.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRetentionSchedule runs the history cleanup daily at 03:00 local time.
const DefaultRetentionSchedule = "0 3 * * *"

// RetentionStore defines the history access the cleanup needs.
type RetentionStore interface {
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)
}

// RetentionScheduler periodically deletes history entries older than the
// retention window.
type RetentionScheduler struct {
	store     RetentionStore
	retention time.Duration
	spec      string
	cron      *cron.Cron
	now       func() time.Time
	logger    zerolog.Logger
	mu        sync.Mutex
	running   bool
}

// NewRetentionScheduler creates a new history retention scheduler.
func NewRetentionScheduler(store RetentionStore, retention time.Duration, logger zerolog.Logger) *RetentionScheduler {
	return &RetentionScheduler{
		store:     store,
		retention: retention,
		spec:      DefaultRetentionSchedule,
		cron:      cron.New(),
		now:       time.Now,
		logger:    logger.With().Str("component", "retention").Logger(),
	}
}

// Start begins the cleanup schedule. A zero retention keeps history forever
// and Start does nothing.
func (s *RetentionScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("retention scheduler already running")
	}
	if s.retention <= 0 {
		s.logger.Debug().Msg("history retention disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.spec, s.runCleanup); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Dur("retention", s.retention).
		Str("schedule", s.spec).
		Msg("retention scheduler started")

	return nil
}

// Stop stops the retention scheduler. The returned context is done once a
// cleanup in progress has finished.
func (s *RetentionScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping retention scheduler")
	return s.cron.Stop()
}

func (s *RetentionScheduler) runCleanup() {
	if _, err := s.Cleanup(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("history cleanup failed")
	}
}

// Cleanup deletes the entries older than the retention window now and
// returns how many were removed.
func (s *RetentionScheduler) Cleanup(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention)

	deleted, err := s.store.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Int64("deleted_rows", deleted).
		Time("cutoff", cutoff).
		Msg("history cleanup completed")
	return deleted, nil
}
