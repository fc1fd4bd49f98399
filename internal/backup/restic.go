// Package backup runs restic operations and schedules them.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/rs/zerolog"
)

// ErrSnapshotNotFound is returned when a snapshot cannot be found.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrRepositoryNotInitialized is returned when the repository has not been initialized.
var ErrRepositoryNotInitialized = errors.New("repository not initialized")

const (
	// ProvenanceTag is added to every snapshot created by a backup job.
	ProvenanceTag = "created-by:keldris-scheduler"

	// PasswordEnv carries the repository password to the restic child
	// process. It is read back by the password command so the password
	// never appears in argv.
	PasswordEnv = "KELDRIS_REPOSITORY_PASSWORD"
)

// PasswordCommand is passed to restic as --password-command.
var PasswordCommand = "printenv " + PasswordEnv

// Snapshot represents a Restic snapshot.
type Snapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Username string    `json:"username"`
	Paths    []string  `json:"paths"`
	Tags     []string  `json:"tags,omitempty"`
}

// SnapshotFile represents a file or directory in a snapshot.
type SnapshotFile struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"` // "file" or "dir"
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Mode    uint32    `json:"mode"`
	ModTime time.Time `json:"mtime"`
}

// RestoreOptions configures a restore operation.
type RestoreOptions struct {
	TargetPath string   // Destination path for restore
	Include    []string // Paths to include (empty = all)
}

// Restic wraps the restic CLI.
type Restic struct {
	binary string
	logger zerolog.Logger
}

// NewRestic creates a new Restic wrapper.
func NewRestic(logger zerolog.Logger) *Restic {
	return NewResticWithBinary("restic", logger)
}

// NewResticWithBinary creates a new Restic wrapper with a custom binary path.
func NewResticWithBinary(binary string, logger zerolog.Logger) *Restic {
	if binary == "" {
		binary = "restic"
	}
	return &Restic{
		binary: binary,
		logger: logger.With().Str("component", "restic").Logger(),
	}
}

// Binary returns the restic executable used.
func (r *Restic) Binary() string {
	return r.binary
}

// BaseArgs returns the repository selection, credential and output flags
// shared by every invocation. The tag is only added when tag is true.
func BaseArgs(repo *models.Repository, tag bool) []string {
	args := []string{"-r", repo.URL}
	if tag {
		args = append(args, "--tag", ProvenanceTag)
	}
	return append(args, "--password-command", PasswordCommand, "--json")
}

// JobArgs builds the full argument list for running job against repo.
// Empty arguments are dropped.
func JobArgs(repo *models.Repository, job *models.Job) []string {
	isBackup := job.Type == models.JobTypeBackup
	args := BaseArgs(repo, isBackup)
	args = append(args, string(job.Type))
	args = append(args, job.ExtraArgs()...)
	if isBackup {
		args = append(args, job.Directory)
	}
	return filterEmpty(args)
}

func filterEmpty(args []string) []string {
	out := args[:0]
	for _, a := range args {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Command prepares a restic command for repo. The password is only placed
// in the child's environment.
func (r *Restic) Command(ctx context.Context, repo *models.Repository, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Env = append(cmd.Environ(), fmt.Sprintf("%s=%s", PasswordEnv, repo.Password))

	r.logger.Debug().
		Str("command", r.binary).
		Strs("args", args).
		Msg("executing restic command")

	return cmd
}

// run executes restic and buffers its output.
func (r *Restic) run(ctx context.Context, repo *models.Repository, args []string) ([]byte, error) {
	cmd := r.Command(ctx, repo, args)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := stderrMessage(stderr.Bytes())
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("%w: %s", err, errMsg)
	}

	return stdout.Bytes(), nil
}

// stderrMessage prefers the exit_error message when restic printed one.
func stderrMessage(stderr []byte) string {
	for _, line := range bytes.Split(stderr, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev ExitErrorEvent
		if err := json.Unmarshal(line, &ev); err == nil && ev.MessageType == MessageExitError {
			return ev.Message
		}
	}
	return strings.TrimSpace(string(stderr))
}

// Snapshots lists all snapshots in the repository.
func (r *Restic) Snapshots(ctx context.Context, repo *models.Repository) ([]Snapshot, error) {
	r.logger.Debug().Str("repository", repo.Name).Msg("listing snapshots")

	args := append(BaseArgs(repo, false), "snapshots")
	output, err := r.run(ctx, repo, args)
	if err != nil {
		if strings.Contains(err.Error(), "repository does not exist") {
			return nil, ErrRepositoryNotInitialized
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var snapshots []Snapshot
	if err := json.Unmarshal(output, &snapshots); err != nil {
		return nil, fmt.Errorf("parse snapshots: %w", err)
	}

	r.logger.Debug().Int("count", len(snapshots)).Msg("snapshots listed")
	return snapshots, nil
}

// ListFiles lists files in a snapshot, optionally below path.
func (r *Restic) ListFiles(ctx context.Context, repo *models.Repository, snapshotID, path string) ([]SnapshotFile, error) {
	r.logger.Debug().
		Str("snapshot_id", snapshotID).
		Str("path", path).
		Msg("listing files in snapshot")

	args := append(BaseArgs(repo, false), "ls", snapshotID, path)
	output, err := r.run(ctx, repo, filterEmpty(args))
	if err != nil {
		if strings.Contains(err.Error(), "no matching ID") {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("list files: %w", err)
	}

	var files []SnapshotFile
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var file SnapshotFile
		if err := json.Unmarshal(line, &file); err != nil {
			continue
		}
		// The first line describes the snapshot itself.
		if file.Type == "file" || file.Type == "dir" {
			files = append(files, file)
		}
	}

	r.logger.Debug().Int("count", len(files)).Msg("files listed")
	return files, nil
}

// Restore restores a snapshot to opts.TargetPath.
func (r *Restic) Restore(ctx context.Context, repo *models.Repository, snapshotID string, opts RestoreOptions) error {
	if opts.TargetPath == "" {
		return errors.New("restore target path is required")
	}

	r.logger.Info().
		Str("snapshot_id", snapshotID).
		Str("target_path", opts.TargetPath).
		Strs("include", opts.Include).
		Msg("starting restore")

	args := append(BaseArgs(repo, false), "restore", "--target", opts.TargetPath)
	for _, include := range opts.Include {
		args = append(args, "--include", include)
	}
	args = append(args, snapshotID)

	if _, err := r.run(ctx, repo, args); err != nil {
		if strings.Contains(err.Error(), "no matching ID") {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("restore failed: %w", err)
	}

	r.logger.Info().Msg("restore completed successfully")
	return nil
}

// Version returns the first line of `restic version`.
func (r *Restic) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, r.binary, "version").Output()
	if err != nil {
		return "", fmt.Errorf("restic version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}
