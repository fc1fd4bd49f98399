// Package shutdown coordinates graceful shutdown of the scheduler daemon.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the daemon is running normally.
	StateRunning State = "running"
	// StateDraining indicates triggers are stopped and held repository locks are being waited on.
	StateDraining State = "draining"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// ErrDrainTimeout is returned when repository locks were still held at the deadline.
var ErrDrainTimeout = errors.New("shutdown timed out with repository locks still held")

// Scheduler is the part of the job scheduler the manager stops.
type Scheduler interface {
	Shutdown()
	RunningJobs() []string
}

// LockDrainer is the part of the repository lock registry the manager waits on.
type LockDrainer interface {
	Drain(ctx context.Context) error
	HeldNames() []string
}

// Status represents the current shutdown status.
type Status struct {
	State            State         `json:"state"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	TimeRemaining    time.Duration `json:"time_remaining,omitempty"`
	RunningJobs      []string      `json:"running_jobs"`
	HeldLocks        []string      `json:"held_locks"`
	AcceptingNewJobs bool          `json:"accepting_new_jobs"`
	Message          string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for held repository locks.
	Timeout time.Duration

	// ProgressInterval is how often the remaining locks are logged while waiting.
	ProgressInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		ProgressInterval: 5 * time.Second,
	}
}

// Manager coordinates graceful shutdown: stop the triggers, refuse new
// repository locks, then wait for the held ones.
type Manager struct {
	config        Config
	scheduler     Scheduler
	locks         LockDrainer
	logger        zerolog.Logger
	mu            sync.RWMutex
	state         State
	startedAt     *time.Time
	acceptingJobs atomic.Bool
	doneCh        chan struct{}
	shutdownOnce  sync.Once
	shutdownErr   error
}

// NewManager creates a new shutdown manager. Either dependency may be nil.
func NewManager(config Config, scheduler Scheduler, locks LockDrainer, logger zerolog.Logger) *Manager {
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = DefaultConfig().ProgressInterval
	}
	m := &Manager{
		config:    config,
		scheduler: scheduler,
		locks:     locks,
		logger:    logger.With().Str("component", "shutdown_manager").Logger(),
		state:     StateRunning,
		doneCh:    make(chan struct{}),
	}
	m.acceptingJobs.Store(true)
	return m
}

// IsAcceptingJobs returns true if new runs are still accepted.
func (m *Manager) IsAcceptingJobs() bool {
	return m.acceptingJobs.Load()
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:            m.state,
		StartedAt:        m.startedAt,
		RunningJobs:      []string{},
		HeldLocks:        []string{},
		AcceptingNewJobs: m.acceptingJobs.Load(),
	}

	if m.scheduler != nil {
		if running := m.scheduler.RunningJobs(); running != nil {
			status.RunningJobs = running
		}
	}
	if m.locks != nil {
		if held := m.locks.HeldNames(); held != nil {
			status.HeldLocks = held
		}
	}

	if m.startedAt != nil && m.state != StateComplete {
		remaining := m.config.Timeout - time.Since(*m.startedAt)
		if remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Scheduler is running normally"
	case StateDraining:
		status.Message = "Waiting for running jobs to release their repositories"
	case StateComplete:
		status.Message = "Shutdown complete"
	}

	return status
}

// Shutdown stops the scheduler and blocks until every held repository lock
// is released, the configured timeout passes or ctx is cancelled. Later
// calls return the result of the first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.doShutdown(ctx)
	})
	return m.shutdownErr
}

func (m *Manager) doShutdown(ctx context.Context) error {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Msg("initiating graceful shutdown")

	now := time.Now()
	m.mu.Lock()
	m.startedAt = &now
	m.state = StateDraining
	m.mu.Unlock()

	m.acceptingJobs.Store(false)
	if m.scheduler != nil {
		m.scheduler.Shutdown()
	}
	m.logger.Info().Msg("stopped firing scheduled jobs")

	var err error
	if m.locks != nil {
		err = m.waitForLocks(ctx)
	}

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)

	evt := m.logger.Info()
	if err != nil {
		evt = m.logger.Warn().Err(err)
	}
	evt.Dur("duration", time.Since(now)).Msg("graceful shutdown complete")

	return err
}

// waitForLocks drains the lock registry, logging the locks still held at
// every progress interval.
func (m *Manager) waitForLocks(ctx context.Context) error {
	waitCtx := ctx
	if m.config.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}

	drained := make(chan error, 1)
	go func() {
		drained <- m.locks.Drain(waitCtx)
	}()

	ticker := time.NewTicker(m.config.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-drained:
			if err == nil {
				m.logger.Info().Msg("all repository locks released")
				return nil
			}
			held := m.locks.HeldNames()
			m.logger.Warn().
				Strs("held_locks", held).
				Msg("shutdown deadline reached with repository locks still held")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrDrainTimeout
		case <-ticker.C:
			m.logger.Info().
				Strs("held_locks", m.locks.HeldNames()).
				Msg("waiting for repository locks to be released")
		}
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// WaitForShutdown blocks until shutdown is complete.
func (m *Manager) WaitForShutdown() {
	<-m.doneCh
}
