// Package store persists repositories, jobs and execution history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/MacJediWizard/keldris-scheduler/internal/schedule"
	"github.com/rs/zerolog"
)

const (
	// RepositoriesFile holds the repository list inside the config directory.
	RepositoriesFile = "repositories.json"
	// JobsFile holds the job list inside the config directory.
	JobsFile = "jobs.json"
)

var (
	// ErrRepositoryNotFound is returned when a repository does not exist.
	ErrRepositoryNotFound = backup.ErrRepositoryNotFound
	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = backup.ErrJobNotFound
	// ErrAlreadyExists is returned when adding a name that is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrRepositoryInUse is returned when deleting a repository jobs still target.
	ErrRepositoryInUse = errors.New("repository in use")
)

// ConfigStore keeps repositories and jobs in two JSON files. Every call
// reads the files again so edits made by other processes are picked up.
type ConfigStore struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewConfigStore creates a ConfigStore rooted at dir, creating it if needed.
func NewConfigStore(dir string, logger zerolog.Logger) (*ConfigStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	return &ConfigStore{
		dir:    dir,
		logger: logger.With().Str("component", "config_store").Logger(),
	}, nil
}

// Dir returns the config directory.
func (s *ConfigStore) Dir() string {
	return s.dir
}

// Paths returns the files the store reads.
func (s *ConfigStore) Paths() []string {
	return []string{
		filepath.Join(s.dir, RepositoriesFile),
		filepath.Join(s.dir, JobsFile),
	}
}

func (s *ConfigStore) readList(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// writeList replaces the file atomically so readers never see a partial write.
func (s *ConfigStore) writeList(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (s *ConfigStore) loadRepositories() ([]*models.Repository, error) {
	var repos []*models.Repository
	if err := s.readList(RepositoriesFile, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

func (s *ConfigStore) loadJobs() ([]*models.Job, error) {
	var jobs []*models.Job
	if err := s.readList(JobsFile, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// LoadRepositories returns all configured repositories.
func (s *ConfigStore) LoadRepositories(_ context.Context) ([]*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRepositories()
}

// GetRepository returns a repository by name.
func (s *ConfigStore) GetRepository(_ context.Context, name string) (*models.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.loadRepositories()
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if repo.Name == name {
			return repo, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, name)
}

// AddRepository stores a new repository.
func (s *ConfigStore) AddRepository(_ context.Context, repo *models.Repository) error {
	if err := repo.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.loadRepositories()
	if err != nil {
		return err
	}
	for _, r := range repos {
		if r.Name == repo.Name {
			return fmt.Errorf("repository %s: %w", repo.Name, ErrAlreadyExists)
		}
	}

	if err := s.writeList(RepositoriesFile, append(repos, repo)); err != nil {
		return err
	}
	s.logger.Info().Str("repository", repo.Name).Msg("repository added")
	return nil
}

// UpdateRepository replaces the repository called name. A rename fails with
// ErrAlreadyExists if the new name is taken and with ErrRepositoryInUse while
// jobs still target the old name.
func (s *ConfigStore) UpdateRepository(_ context.Context, name string, repo *models.Repository) error {
	if err := repo.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.loadRepositories()
	if err != nil {
		return err
	}

	idx := -1
	for i, r := range repos {
		switch r.Name {
		case name:
			idx = i
		case repo.Name:
			return fmt.Errorf("repository %s: %w", repo.Name, ErrAlreadyExists)
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, name)
	}

	if repo.Name != name {
		jobs, err := s.loadJobs()
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.TargetRepo == name {
				return fmt.Errorf("%w: job %s targets %s", ErrRepositoryInUse, j.Name, name)
			}
		}
	}

	repos[idx] = repo
	if err := s.writeList(RepositoriesFile, repos); err != nil {
		return err
	}
	s.logger.Info().Str("repository", repo.Name).Str("previous", name).Msg("repository updated")
	return nil
}

// DeleteRepository removes a repository. It fails with ErrRepositoryInUse
// while any job still targets it.
func (s *ConfigStore) DeleteRepository(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.loadJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.TargetRepo == name {
			return fmt.Errorf("%w: job %s targets %s", ErrRepositoryInUse, j.Name, name)
		}
	}

	repos, err := s.loadRepositories()
	if err != nil {
		return err
	}
	kept := repos[:0]
	for _, r := range repos {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(repos) {
		return fmt.Errorf("%w: %s", ErrRepositoryNotFound, name)
	}

	if err := s.writeList(RepositoriesFile, kept); err != nil {
		return err
	}
	s.logger.Info().Str("repository", name).Msg("repository deleted")
	return nil
}

// LoadJobs returns all configured jobs, enabled or not.
func (s *ConfigStore) LoadJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadJobs()
}

// GetJob returns a job by name.
func (s *ConfigStore) GetJob(_ context.Context, name string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.loadJobs()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
}

// validateJob checks the job fields, its schedule and its repository.
func (s *ConfigStore) validateJob(job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := schedule.Validate(job.Schedule); err != nil {
		return err
	}
	repos, err := s.loadRepositories()
	if err != nil {
		return err
	}
	for _, r := range repos {
		if r.Name == job.TargetRepo {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRepositoryNotFound, job.TargetRepo)
}

// AddJob stores a new job.
func (s *ConfigStore) AddJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateJob(job); err != nil {
		return err
	}

	jobs, err := s.loadJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Name == job.Name {
			return fmt.Errorf("job %s: %w", job.Name, ErrAlreadyExists)
		}
	}

	if err := s.writeList(JobsFile, append(jobs, job)); err != nil {
		return err
	}
	s.logger.Info().Str("job", job.Name).Msg("job added")
	return nil
}

// UpdateJob replaces the job called name. A rename fails with
// ErrAlreadyExists if the new name is taken.
func (s *ConfigStore) UpdateJob(_ context.Context, name string, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateJob(job); err != nil {
		return err
	}

	jobs, err := s.loadJobs()
	if err != nil {
		return err
	}

	idx := -1
	for i, j := range jobs {
		switch j.Name {
		case name:
			idx = i
		case job.Name:
			return fmt.Errorf("job %s: %w", job.Name, ErrAlreadyExists)
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	jobs[idx] = job
	if err := s.writeList(JobsFile, jobs); err != nil {
		return err
	}
	s.logger.Info().Str("job", job.Name).Str("previous", name).Msg("job updated")
	return nil
}

// SetJobEnabled enables or disables a job.
func (s *ConfigStore) SetJobEnabled(_ context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.loadJobs()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Name == name {
			j.Enabled = enabled
			return s.writeList(JobsFile, jobs)
		}
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, name)
}

// DeleteJob removes a job.
func (s *ConfigStore) DeleteJob(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.loadJobs()
	if err != nil {
		return err
	}
	kept := jobs[:0]
	for _, j := range jobs {
		if j.Name != name {
			kept = append(kept, j)
		}
	}
	if len(kept) == len(jobs) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	if err := s.writeList(JobsFile, kept); err != nil {
		return err
	}
	s.logger.Info().Str("job", name).Msg("job deleted")
	return nil
}
