package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/rs/zerolog"
)

var (
	// ErrLaunch is returned when the restic process cannot be started.
	ErrLaunch = errors.New("failed to launch restic")
	// ErrExecutorUsed is returned when Run is called twice on one Executor.
	ErrExecutorUsed = errors.New("executor already used")
)

// maxStderrText caps the non-JSON stderr kept as a fallback failure message.
const maxStderrText = 4096

// UnlockJobName is the history job name of repository unlock operations.
const UnlockJobName = "unlock"

// Result is the outcome of a successful run.
type Result struct {
	ExitCode int
	// Payload is the raw summary line, or the unwrapped forget output.
	Payload json.RawMessage
	Summary *BackupSummary
	Check   *CheckSummary
	Forget  *ForgetResult
	History *models.HistoryEntry
}

// Executor runs one job against one repository. It is single use.
type Executor struct {
	rt     *Runtime
	repo   models.Repository
	job    models.Job
	logger zerolog.Logger
	used   atomic.Bool
}

// NewExecutor creates an Executor. repo and job are copied.
func NewExecutor(rt *Runtime, repo *models.Repository, job *models.Job, logger zerolog.Logger) *Executor {
	return &Executor{
		rt:   rt,
		repo: *repo,
		job:  *job,
		logger: logger.With().
			Str("component", "executor").
			Str("job", job.Name).
			Str("repository", repo.Name).
			Str("type", string(job.Type)).
			Logger(),
	}
}

// streamState collects what was seen on restic's output streams.
type streamState struct {
	payload json.RawMessage
	summary *BackupSummary
	check   *CheckSummary
	exitErr *ExitErrorEvent
	exitRaw json.RawMessage
	stderr  strings.Builder
	skipped int
}

// Run acquires the repository lock, runs restic and records a history entry.
// It returns the result on exit code 0, nil and no error on any other exit
// code, and an error wrapping ErrLaunch if restic could not be started.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	if !e.used.CompareAndSwap(false, true) {
		return nil, ErrExecutorUsed
	}

	waitStart := time.Now()
	release, err := e.rt.Locks.Acquire(ctx, e.repo.Name)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for repository %s: %w", e.repo.Name, err)
	}
	defer release()
	if e.rt.Metrics != nil {
		e.rt.Metrics.RecordLockWait(e.repo.Name, time.Since(waitStart))
	}

	args := JobArgs(&e.repo, &e.job)
	cmd := e.rt.Restic.Command(ctx, &e.repo, args)

	e.logger.Info().Msg("starting restic")
	start := time.Now()

	stdout, stderr, err := startCommand(cmd)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to start restic")
		entry := e.newEntry()
		entry.ExitCode = -1
		entry.SummaryText = err.Error()
		e.record(ctx, entry)
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	state := &streamState{}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		e.readStderr(stderr, state)
	}()

	e.readStdout(stdout, state)
	<-stderrDone

	// A fatal error on stderr replaces whatever stdout produced.
	if state.exitRaw != nil {
		state.payload = state.exitRaw
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			e.logger.Error().Err(err).Msg("waiting for restic failed")
		}
		if exitCode == 0 {
			exitCode = -1
		}
	}

	duration := int(time.Since(start) / time.Second)
	success := exitCode == 0

	result := &Result{
		ExitCode: exitCode,
		Payload:  state.payload,
		Summary:  state.summary,
		Check:    state.check,
	}

	entry := e.newEntry()
	entry.Success = success
	entry.ExitCode = exitCode
	entry.Duration = duration

	switch e.job.Type {
	case models.JobTypeBackup:
		if state.summary != nil {
			entry.Files = state.summary.TotalFilesProcessed
			entry.Bytes = state.summary.TotalBytesProcessed
			entry.SnapshotID = state.summary.SnapshotID
		}
		if success {
			entry.SummaryText = fmt.Sprintf("Files: %d, Bytes: %d, Duration: %ds", entry.Files, entry.Bytes, duration)
		}
	case models.JobTypeForget:
		if success && state.exitErr == nil {
			forget, payload, err := parseForgetPayload(state.payload)
			if err != nil {
				e.logger.Warn().Err(err).Msg("unexpected forget output")
				forget = &ForgetResult{}
			}
			result.Forget = forget
			result.Payload = payload
			entry.SummaryText = forget.Text()
		}
	case models.JobTypeCheck:
		if success {
			if state.check != nil && state.check.NumErrors > 0 {
				entry.SummaryText = fmt.Sprintf("check finished with %d errors", state.check.NumErrors)
			} else {
				entry.SummaryText = "check passed"
			}
		}
	default:
		if success {
			entry.SummaryText = fmt.Sprintf("%s completed in %ds", e.job.Type, duration)
		}
	}
	if !success {
		entry.SummaryText = state.failureMessage()
	}

	result.History = entry
	e.record(ctx, entry)

	if e.rt.Metrics != nil {
		e.rt.Metrics.RecordRun(string(e.job.Type), success, time.Since(start))
		if entry.Bytes > 0 {
			e.rt.Metrics.RecordBytesProcessed(e.repo.Name, entry.Bytes)
		}
	}

	if !success {
		e.logger.Warn().
			Int("exit_code", exitCode).
			Str("message", entry.SummaryText).
			Msg("restic failed")
		return nil, nil
	}

	e.logger.Info().
		Int("duration_seconds", duration).
		Str("summary", entry.SummaryText).
		Int("skipped_lines", state.skipped).
		Msg("restic completed")
	return result, nil
}

func startCommand(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return stdout, stderr, nil
}

// eachLine calls fn for every non-empty trimmed line of r. Lines of any
// length are supported.
func eachLine(r io.Reader, fn func(line []byte)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := strings.TrimSpace(string(line)); trimmed != "" {
			fn([]byte(trimmed))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (e *Executor) readStdout(r io.Reader, state *streamState) {
	err := eachLine(r, func(line []byte) {
		if !json.Valid(line) {
			state.skipped++
			e.logger.Warn().Str("line", truncate(string(line), 256)).Msg("skipping malformed restic output line")
			return
		}

		if e.job.Type == models.JobTypeForget {
			state.payload = append(json.RawMessage(nil), line...)
			return
		}

		var header eventHeader
		if err := json.Unmarshal(line, &header); err != nil {
			// Valid JSON that is not an object.
			state.skipped++
			e.logger.Debug().Str("line", truncate(string(line), 256)).Msg("ignoring restic output line")
			return
		}

		switch header.MessageType {
		case MessageStatus:
			var ev StatusEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				e.logger.Debug().Err(err).Msg("ignoring status line")
				return
			}
			e.rt.status().OnStatus(ev.Progress())
		case MessageSummary:
			state.payload = append(json.RawMessage(nil), line...)
			switch e.job.Type {
			case models.JobTypeBackup:
				var s BackupSummary
				if err := json.Unmarshal(line, &s); err == nil {
					state.summary = &s
				}
			case models.JobTypeCheck:
				var s CheckSummary
				if err := json.Unmarshal(line, &s); err == nil {
					state.check = &s
				}
			}
		case MessageError:
			var ev ErrorEvent
			if err := json.Unmarshal(line, &ev); err == nil {
				e.logger.Warn().
					Str("during", ev.During).
					Str("item", ev.Item).
					Str("error", ev.Text()).
					Msg("restic reported an error")
			}
		}
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("reading restic stdout failed")
	}
}

func (e *Executor) readStderr(r io.Reader, state *streamState) {
	err := eachLine(r, func(line []byte) {
		var ev ExitErrorEvent
		if err := json.Unmarshal(line, &ev); err == nil {
			if ev.MessageType == MessageExitError {
				state.exitErr = &ev
				state.exitRaw = append(json.RawMessage(nil), line...)
			}
			return
		}
		if state.stderr.Len() < maxStderrText {
			if state.stderr.Len() > 0 {
				state.stderr.WriteByte('\n')
			}
			state.stderr.WriteString(truncate(string(line), maxStderrText-state.stderr.Len()))
		}
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("reading restic stderr failed")
	}
}

// failureMessage picks the best description of a failed run.
func (s *streamState) failureMessage() string {
	if s.exitErr != nil && s.exitErr.Message != "" {
		return s.exitErr.Message
	}
	if s.stderr.Len() > 0 {
		return s.stderr.String()
	}
	return "Unknown error"
}

func (e *Executor) newEntry() *models.HistoryEntry {
	return models.NewHistoryEntry(e.job.Name, e.repo.Name)
}

func (e *Executor) record(ctx context.Context, entry *models.HistoryEntry) {
	if e.rt.History == nil {
		return
	}
	// Persist even if the run was cancelled.
	if err := e.rt.History.AddHistory(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error().Err(err).Msg("failed to save history entry")
	}
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Unlock removes stale locks from repo. It is serialized with the other
// operations on the repository and recorded in history like a job.
func (rt *Runtime) Unlock(ctx context.Context, repo *models.Repository, logger zerolog.Logger) (*Result, error) {
	job := &models.Job{
		Name:       UnlockJobName,
		TargetRepo: repo.Name,
		Type:       models.JobTypeUnlock,
		Enabled:    true,
	}
	return NewExecutor(rt, repo, job, logger).Run(ctx)
}
