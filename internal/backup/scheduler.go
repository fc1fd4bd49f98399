package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/MacJediWizard/keldris-scheduler/internal/schedule"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrJobAlreadyScheduled is returned by AddJob when the name is registered.
// Use ReplaceJob to change a registered job.
var ErrJobAlreadyScheduled = errors.New("job already scheduled")

type registration struct {
	entryID cron.EntryID
	rule    schedule.Rule
	job     models.Job
}

// ScheduledJob describes a registered job.
type ScheduledJob struct {
	Job     models.Job `json:"job"`
	Kind    string     `json:"kind"`
	NextRun time.Time  `json:"next_run"`
}

// Scheduler fires configured jobs on their schedules and dispatches them to
// executors. At most one run per job name is in flight at any time.
type Scheduler struct {
	store  JobStore
	rt     *Runtime
	base   zerolog.Logger
	logger zerolog.Logger
	cron   *cron.Cron

	mu      sync.RWMutex
	entries map[string]registration
	started bool

	runMu   sync.Mutex
	running map[string]struct{}
}

// NewScheduler creates a new backup scheduler.
func NewScheduler(store JobStore, rt *Runtime, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:   store,
		rt:      rt,
		base:    logger,
		logger:  logger.With().Str("component", "backup_scheduler").Logger(),
		cron:    cron.New(),
		entries: make(map[string]registration),
		running: make(map[string]struct{}),
	}
}

// Start starts the trigger engine. Starting a started scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Msg("backup scheduler started")
}

// Shutdown stops firing new triggers. Runs already in flight continue;
// use RepoLocks.Drain to wait for them. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	s.cron.Stop()
	s.logger.Info().Msg("backup scheduler stopped")
}

// IsStarted reports whether triggers are being fired.
func (s *Scheduler) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// AddJob registers job with the trigger engine. Disabled jobs are skipped.
// A schedule that does not parse is logged and returned, leaving the job
// unscheduled.
func (s *Scheduler) AddJob(job *models.Job) error {
	logger := s.logger.With().Str("job", job.Name).Logger()

	if !job.Enabled {
		logger.Info().Msg("job is disabled, not scheduling")
		return nil
	}

	rule, err := schedule.Parse(job.Schedule)
	if err != nil {
		logger.Warn().Err(err).Str("schedule", job.Schedule).Msg("invalid schedule, job not scheduled")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(job, rule)
}

func (s *Scheduler) addLocked(job *models.Job, rule schedule.Rule) error {
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyScheduled, job.Name)
	}

	// Copy so later edits by the caller do not leak into the trigger.
	j := *job
	entryID := s.cron.Schedule(rule, cron.FuncJob(func() {
		s.dispatch(j)
	}))

	s.entries[j.Name] = registration{entryID: entryID, rule: rule, job: j}
	s.reportScheduledLocked()
	s.logger.Debug().
		Str("job", j.Name).
		Str("schedule", rule.String()).
		Time("next_run", rule.Next(time.Now())).
		Msg("added job")
	return nil
}

func (s *Scheduler) reportScheduledLocked() {
	if s.rt.Metrics != nil {
		s.rt.Metrics.SetScheduledJobs(len(s.entries))
	}
}

// ReplaceJob removes any registration for job.Name and adds job again.
func (s *Scheduler) ReplaceJob(job *models.Job) error {
	s.RemoveJob(job.Name)
	return s.AddJob(job)
}

// RemoveJob unregisters a job. It reports whether the job was registered.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.entries[name]
	if !ok {
		s.logger.Debug().Str("job", name).Msg("job not scheduled, nothing to remove")
		return false
	}
	s.cron.Remove(reg.entryID)
	delete(s.entries, name)
	s.reportScheduledLocked()
	s.logger.Debug().Str("job", name).Msg("removed job")
	return true
}

// LoadAndScheduleAll replaces every registration with the jobs from the
// store and starts the trigger engine. It returns the number of jobs
// scheduled.
func (s *Scheduler) LoadAndScheduleAll(ctx context.Context) (int, error) {
	jobs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}

	s.mu.Lock()
	for name, reg := range s.entries {
		s.cron.Remove(reg.entryID)
		delete(s.entries, name)
	}
	s.reportScheduledLocked()
	s.mu.Unlock()

	s.Start()

	scheduled := 0
	for _, job := range jobs {
		if !job.Enabled {
			s.logger.Info().Str("job", job.Name).Msg("job is disabled, not scheduling")
			continue
		}
		if err := s.AddJob(job); err != nil {
			if !errors.Is(err, schedule.ErrInvalidSchedule) {
				s.logger.Warn().Err(err).Str("job", job.Name).Msg("failed to schedule job")
			}
			continue
		}
		scheduled++
	}

	s.logger.Info().
		Int("scheduled", scheduled).
		Int("configured", len(jobs)).
		Msg("jobs scheduled")
	return scheduled, nil
}

// dispatch runs a job in the calling cron goroutine.
func (s *Scheduler) dispatch(job models.Job) {
	s.RunBackupJob(context.Background(), &job)
}

// RunNow starts job in the background. Use RunningJobs, or drain the
// repository locks, to learn when it has finished.
func (s *Scheduler) RunNow(job *models.Job) {
	j := *job
	go s.RunBackupJob(context.Background(), &j)
}

// RunNowByName looks up a configured job and starts it in the background.
// Disabled jobs can be run on demand.
func (s *Scheduler) RunNowByName(ctx context.Context, name string) error {
	jobs, err := s.store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Name == name {
			s.RunNow(job)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrJobNotFound, name)
}

// RunBackupJob runs job unless a run with the same name is already in
// flight. Errors are logged, never returned, and a panic in the run is
// recovered so one job can never take the scheduler down.
func (s *Scheduler) RunBackupJob(ctx context.Context, job *models.Job) {
	logger := s.logger.With().
		Str("job", job.Name).
		Str("repository", job.TargetRepo).
		Logger()

	if s.isRunning(job.Name) {
		logger.Info().Msg("job is already running, skipping")
		return
	}

	repo, err := s.store.GetRepository(ctx, job.TargetRepo)
	if err != nil {
		logger.Error().Err(err).Msg("cannot resolve repository for job")
		return
	}

	if !s.markRunning(job.Name) {
		logger.Info().Msg("job is already running, skipping")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("job panicked")
		}
		s.markDone(job.Name)
	}()

	logger.Info().Str("type", string(job.Type)).Msg("running job")

	result, err := NewExecutor(s.rt, repo, job, s.base).Run(ctx)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("job failed")
	case result == nil:
		logger.Warn().Msg("job failed")
	default:
		logger.Info().Msg("job completed successfully")
	}
}

func (s *Scheduler) isRunning(name string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[name]
	return ok
}

// markRunning inserts name into the running set and reports whether it was
// absent.
func (s *Scheduler) markRunning(name string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if _, ok := s.running[name]; ok {
		return false
	}
	s.running[name] = struct{}{}
	s.rt.status().OnStateChange(StateRunning)
	if s.rt.Metrics != nil {
		s.rt.Metrics.SetRunningJobs(len(s.running))
	}
	return true
}

func (s *Scheduler) markDone(name string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	delete(s.running, name)
	if len(s.running) == 0 {
		s.rt.status().OnStateChange(StateIdle)
	}
	if s.rt.Metrics != nil {
		s.rt.Metrics.SetRunningJobs(len(s.running))
	}
}

// RunningJobs returns the names of the jobs in flight, sorted.
func (s *Scheduler) RunningJobs() []string {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRun returns the next fire time of a registered job.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reg, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.nextLocked(reg), true
}

func (s *Scheduler) nextLocked(reg registration) time.Time {
	if s.started {
		if entry := s.cron.Entry(reg.entryID); entry.Valid() && !entry.Next.IsZero() {
			return entry.Next
		}
	}
	return reg.rule.Next(time.Now())
}

// ScheduledJobs returns the registered jobs sorted by name.
func (s *Scheduler) ScheduledJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.entries))
	for _, reg := range s.entries {
		jobs = append(jobs, ScheduledJob{
			Job:     reg.job,
			Kind:    reg.rule.Kind.String(),
			NextRun: s.nextLocked(reg),
		})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Job.Name < jobs[j].Job.Name })
	return jobs
}
