package models

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEntry records the outcome of one executor run. Entries are append-only.
type HistoryEntry struct {
	ID          uuid.UUID `json:"id"`
	JobName     string    `json:"job_name"`
	RepoName    string    `json:"repo_name"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	Files       int64     `json:"files"`
	Bytes       int64     `json:"bytes"`
	Duration    int       `json:"duration"` // seconds
	SnapshotID  string    `json:"snapshot_id"`
	ExitCode    int       `json:"exit_code"`
	SummaryText string    `json:"summary_text"`
}

// NewHistoryEntry creates a HistoryEntry stamped with the local clock.
func NewHistoryEntry(jobName, repoName string) *HistoryEntry {
	return &HistoryEntry{
		ID:        uuid.New(),
		JobName:   jobName,
		RepoName:  repoName,
		Timestamp: time.Now(),
	}
}

// DurationTime returns the run duration as a time.Duration.
func (h *HistoryEntry) DurationTime() time.Duration {
	return time.Duration(h.Duration) * time.Second
}
