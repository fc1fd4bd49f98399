package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
)

// ErrRepositoryNotFound is returned when a job references an unknown repository.
var ErrRepositoryNotFound = errors.New("repository not found")

// ErrJobNotFound is returned when a job name is not configured.
var ErrJobNotFound = errors.New("job not found")

// JobStore provides read access to configured repositories and jobs.
type JobStore interface {
	GetRepository(ctx context.Context, name string) (*models.Repository, error)
	LoadJobs(ctx context.Context) ([]*models.Job, error)
}

// HistoryStore persists executor outcomes.
type HistoryStore interface {
	AddHistory(ctx context.Context, entry *models.HistoryEntry) error
}

// MetricsRecorder receives execution metrics. See internal/metrics.
type MetricsRecorder interface {
	RecordRun(jobType string, success bool, duration time.Duration)
	RecordBytesProcessed(repo string, bytes int64)
	RecordLockWait(repo string, wait time.Duration)
	SetRunningJobs(n int)
	SetScheduledJobs(n int)
}

// Runtime holds the shared collaborators of the scheduler and every executor.
// Status, History and Metrics may be nil.
type Runtime struct {
	Locks   *RepoLocks
	Restic  *Restic
	Status  StatusSink
	History HistoryStore
	Metrics MetricsRecorder
}

func (rt *Runtime) status() StatusSink {
	if rt.Status == nil {
		return NopStatusSink{}
	}
	return rt.Status
}

// WithRepoLock runs fn while holding the lock for repo.
func (rt *Runtime) WithRepoLock(ctx context.Context, repo string, fn func(ctx context.Context) error) error {
	start := time.Now()
	release, err := rt.Locks.Acquire(ctx, repo)
	if err != nil {
		return fmt.Errorf("acquire lock for repository %s: %w", repo, err)
	}
	defer release()
	if rt.Metrics != nil {
		rt.Metrics.RecordLockWait(repo, time.Since(start))
	}
	return fn(ctx)
}

// Snapshots lists the snapshots of repo, serialized with other operations
// on the same repository.
func (rt *Runtime) Snapshots(ctx context.Context, repo *models.Repository) ([]Snapshot, error) {
	var snapshots []Snapshot
	err := rt.WithRepoLock(ctx, repo.Name, func(ctx context.Context) error {
		var err error
		snapshots, err = rt.Restic.Snapshots(ctx, repo)
		return err
	})
	return snapshots, err
}

// ListFiles lists the entries of a snapshot in repo.
func (rt *Runtime) ListFiles(ctx context.Context, repo *models.Repository, snapshotID, path string) ([]SnapshotFile, error) {
	var files []SnapshotFile
	err := rt.WithRepoLock(ctx, repo.Name, func(ctx context.Context) error {
		var err error
		files, err = rt.Restic.ListFiles(ctx, repo, snapshotID, path)
		return err
	})
	return files, err
}

// Restore restores a snapshot of repo.
func (rt *Runtime) Restore(ctx context.Context, repo *models.Repository, snapshotID string, opts RestoreOptions) error {
	return rt.WithRepoLock(ctx, repo.Name, func(ctx context.Context) error {
		return rt.Restic.Restore(ctx, repo, snapshotID, opts)
	})
}
