package backup

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// State is the coarse activity state published to a StatusSink.
type State string

const (
	// StateIdle means no job is running.
	StateIdle State = "idle"
	// StateRunning means at least one job is running.
	StateRunning State = "running"
)

// StatusSink receives progress text and activity transitions.
// Implementations must not block.
type StatusSink interface {
	OnStatus(text string)
	OnStateChange(state State)
}

// NopStatusSink discards everything.
type NopStatusSink struct{}

func (NopStatusSink) OnStatus(string)     {}
func (NopStatusSink) OnStateChange(State) {}

// LogStatusSink writes status updates to a logger. Progress lines are rate
// limited, state changes are always logged.
type LogStatusSink struct {
	logger  zerolog.Logger
	limiter *rate.Limiter
}

// NewLogStatusSink creates a LogStatusSink that logs at most one progress
// line per interval.
func NewLogStatusSink(logger zerolog.Logger, interval time.Duration) *LogStatusSink {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &LogStatusSink{
		logger:  logger.With().Str("component", "status").Logger(),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// OnStatus implements StatusSink.
func (s *LogStatusSink) OnStatus(text string) {
	if !s.limiter.Allow() {
		return
	}
	s.logger.Info().Msg(text)
}

// OnStateChange implements StatusSink.
func (s *LogStatusSink) OnStateChange(state State) {
	s.logger.Info().Str("state", string(state)).Msg("scheduler state changed")
}

// StatusSnapshot is a point-in-time copy of a StatusBoard.
type StatusSnapshot struct {
	State     State     `json:"state"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusBoard remembers the latest status for readers such as the HTTP API.
type StatusBoard struct {
	mu   sync.RWMutex
	snap StatusSnapshot
}

// NewStatusBoard creates an idle StatusBoard.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		snap: StatusSnapshot{State: StateIdle, UpdatedAt: time.Now()},
	}
}

// OnStatus implements StatusSink.
func (b *StatusBoard) OnStatus(text string) {
	b.mu.Lock()
	b.snap.Text = text
	b.snap.UpdatedAt = time.Now()
	b.mu.Unlock()
}

// OnStateChange implements StatusSink.
func (b *StatusBoard) OnStateChange(state State) {
	b.mu.Lock()
	b.snap.State = state
	if state == StateIdle {
		b.snap.Text = ""
	}
	b.snap.UpdatedAt = time.Now()
	b.mu.Unlock()
}

// Snapshot returns the current status.
func (b *StatusBoard) Snapshot() StatusSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// MultiSink fans updates out to several sinks in order.
type MultiSink []StatusSink

// OnStatus implements StatusSink.
func (m MultiSink) OnStatus(text string) {
	for _, s := range m {
		s.OnStatus(text)
	}
}

// OnStateChange implements StatusSink.
func (m MultiSink) OnStateChange(state State) {
	for _, s := range m {
		s.OnStateChange(state)
	}
}
