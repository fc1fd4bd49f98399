package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/MacJediWizard/keldris-scheduler/internal/schedule"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfigStore(t *testing.T) *ConfigStore {
	t.Helper()
	s, err := NewConfigStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestConfigStore_Empty(t *testing.T) {
	s := newTestConfigStore(t)
	ctx := context.Background()

	repos, err := s.LoadRepositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)

	jobs, err := s.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = s.GetRepository(ctx, "r1")
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}

func TestConfigStore_Repositories(t *testing.T) {
	s := newTestConfigStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRepository(ctx, models.NewRepository("r1", "/backups/r1", "pw")))
	require.NoError(t, s.AddRepository(ctx, models.NewRepository("r2", "sftp:host:/r2", "pw2")))

	err := s.AddRepository(ctx, models.NewRepository("r1", "/other", "x"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	assert.Error(t, s.AddRepository(ctx, models.NewRepository("", "/x", "")))

	repo, err := s.GetRepository(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "sftp:host:/r2", repo.URL)
	assert.Equal(t, "pw2", repo.Password)

	require.NoError(t, s.UpdateRepository(ctx, "r2", models.NewRepository("r2", "/backups/r2", "pw3")))
	repo, err = s.GetRepository(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "/backups/r2", repo.URL)

	assert.ErrorIs(t, s.UpdateRepository(ctx, "nope", models.NewRepository("nope", "/x", "")), ErrRepositoryNotFound)

	require.NoError(t, s.DeleteRepository(ctx, "r1"))
	assert.ErrorIs(t, s.DeleteRepository(ctx, "r1"), ErrRepositoryNotFound)

	repos, err := s.LoadRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "r2", repos[0].Name)

	info, err := os.Stat(filepath.Join(s.Dir(), RepositoriesFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestConfigStore_Jobs(t *testing.T) {
	s := newTestConfigStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddRepository(ctx, models.NewRepository("r1", "/backups/r1", "pw")))

	job := &models.Job{
		Name:       "daily",
		TargetRepo: "r1",
		Type:       models.JobTypeBackup,
		Schedule:   "interval:1h",
		Directory:  "/data",
		Enabled:    true,
	}
	require.NoError(t, s.AddJob(ctx, job))
	assert.ErrorIs(t, s.AddJob(ctx, job), ErrAlreadyExists)

	bad := *job
	bad.Name = "bad"
	bad.Schedule = "every day"
	assert.ErrorIs(t, s.AddJob(ctx, &bad), schedule.ErrInvalidSchedule)

	orphan := *job
	orphan.Name = "orphan"
	orphan.TargetRepo = "missing"
	assert.ErrorIs(t, s.AddJob(ctx, &orphan), ErrRepositoryNotFound)

	got, err := s.GetJob(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, job, got)

	require.NoError(t, s.SetJobEnabled(ctx, "daily", false))
	got, err = s.GetJob(ctx, "daily")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	updated := *job
	updated.Schedule = "0 2 * * *"
	require.NoError(t, s.UpdateJob(ctx, "daily", &updated))
	got, err = s.GetJob(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", got.Schedule)

	assert.ErrorIs(t, s.DeleteRepository(ctx, "r1"), ErrRepositoryInUse)

	require.NoError(t, s.DeleteJob(ctx, "daily"))
	assert.ErrorIs(t, s.DeleteJob(ctx, "daily"), ErrJobNotFound)
	_, err = s.GetJob(ctx, "daily")
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, s.DeleteRepository(ctx, "r1"))
}

func TestConfigStore_ReadsHandWrittenFiles(t *testing.T) {
	dir := t.TempDir()
	jobs := `[
  {"name": "daily", "target_repo": "r1", "type": "backup", "schedule": "interval:1h", "additional_args": "", "directory": "/data"},
  {"name": "cleanup", "target_repo": "r1", "type": "forget", "schedule": "0 3 * * *", "additional_args": "--keep-last 7", "directory": "", "enabled": false}
]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, JobsFile), []byte(jobs), 0600))

	s, err := NewConfigStore(dir, zerolog.Nop())
	require.NoError(t, err)

	loaded, err := s.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.True(t, loaded[0].Enabled, "missing enabled defaults to true")
	assert.False(t, loaded[1].Enabled)
	assert.Equal(t, []string{"--keep-last", "7"}, loaded[1].ExtraArgs())
}

func TestConfigStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, RepositoriesFile), []byte("{not json"), 0600))

	s, err := NewConfigStore(dir, zerolog.Nop())
	require.NoError(t, err)

	_, err = s.LoadRepositories(context.Background())
	assert.Error(t, err)
}

func TestConfigStore_UpdateRepository_Rename(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		wantErr error
		want    []string
	}{
		{"rename to free name", "r2", "r3", nil, []string{"r1", "r3"}},
		{"rename onto existing", "r2", "r1", ErrAlreadyExists, []string{"r1", "r2"}},
		{"rename while targeted", "r1", "r9", ErrRepositoryInUse, []string{"r1", "r2"}},
		{"keep name", "r1", "r1", nil, []string{"r1", "r2"}},
		{"unknown source", "nope", "r5", ErrRepositoryNotFound, []string{"r1", "r2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestConfigStore(t)
			ctx := context.Background()
			require.NoError(t, s.AddRepository(ctx, models.NewRepository("r1", "/backups/r1", "pw")))
			require.NoError(t, s.AddRepository(ctx, models.NewRepository("r2", "/backups/r2", "pw")))
			require.NoError(t, s.AddJob(ctx, &models.Job{
				Name: "daily", TargetRepo: "r1", Type: models.JobTypeCheck, Schedule: "interval:1d", Enabled: true,
			}))

			err := s.UpdateRepository(ctx, tt.from, models.NewRepository(tt.to, "/backups/new", "pw"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			repos, err := s.LoadRepositories(ctx)
			require.NoError(t, err)
			var names []string
			for _, r := range repos {
				names = append(names, r.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestConfigStore_UpdateJob_Rename(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		wantErr error
		want    []string
	}{
		{"rename to free name", "b", "c", nil, []string{"a", "c"}},
		{"rename onto existing", "b", "a", ErrAlreadyExists, []string{"a", "b"}},
		{"keep name", "a", "a", nil, []string{"a", "b"}},
		{"unknown source", "nope", "d", ErrJobNotFound, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestConfigStore(t)
			ctx := context.Background()
			require.NoError(t, s.AddRepository(ctx, models.NewRepository("r1", "/backups/r1", "pw")))
			for _, name := range []string{"a", "b"} {
				require.NoError(t, s.AddJob(ctx, &models.Job{
					Name: name, TargetRepo: "r1", Type: models.JobTypePrune, Schedule: "interval:1d", Enabled: true,
				}))
			}

			err := s.UpdateJob(ctx, tt.from, &models.Job{
				Name: tt.to, TargetRepo: "r1", Type: models.JobTypePrune, Schedule: "0 4 * * *", Enabled: true,
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			jobs, err := s.LoadJobs(ctx)
			require.NoError(t, err)
			var names []string
			for _, j := range jobs {
				names = append(names, j.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}
