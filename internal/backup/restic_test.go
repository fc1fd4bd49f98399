package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/rs/zerolog"
)

// TestHelperProcess is used by tests to mock exec.Command via the
// test binary re-invocation pattern. When GO_WANT_HELPER_PROCESS is set,
// the test binary acts as the "restic" executable.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	var args []string
	for i, arg := range os.Args {
		if arg == "--" {
			args = os.Args[i+1:]
			break
		}
	}

	if path := os.Getenv("GO_HELPER_ARGS_FILE"); path != "" {
		data, _ := json.Marshal(map[string]any{
			"args":     args,
			"password": os.Getenv(PasswordEnv),
		})
		_ = os.WriteFile(path, data, 0o600)
	}

	repo := ""
	for i, arg := range args {
		if arg == "-r" && i+1 < len(args) {
			repo = args[i+1]
		}
	}

	trace := os.Getenv("GO_HELPER_TRACE_FILE")
	writeTrace := func(event string) {
		if trace == "" {
			return
		}
		f, err := os.OpenFile(trace, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return
		}
		fmt.Fprintf(f, "%s %s\n", event, repo)
		f.Close()
	}

	writeTrace("start")
	if d, err := time.ParseDuration(os.Getenv("GO_HELPER_DELAY")); err == nil {
		time.Sleep(d)
	}

	if stderrMsg := os.Getenv("GO_HELPER_STDERR"); stderrMsg != "" {
		fmt.Fprint(os.Stderr, stderrMsg)
	}
	if response := os.Getenv("GO_HELPER_RESPONSE"); response != "" {
		fmt.Fprint(os.Stdout, response)
	}
	writeTrace("end")

	code, _ := strconv.Atoi(os.Getenv("GO_HELPER_EXIT_CODE"))
	os.Exit(code)
}

// fakeRestic controls the behavior of the helper process.
type fakeRestic struct {
	Response  string
	Stderr    string
	ExitCode  int
	Delay     time.Duration
	ArgsFile  string
	TraceFile string
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// fakeResticBinary writes a wrapper script that runs the test binary as restic.
func fakeResticBinary(t *testing.T, f fakeRestic) string {
	t.Helper()

	testBinary, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() error = %v", err)
	}

	script := fmt.Sprintf(`#!/bin/sh
export GO_WANT_HELPER_PROCESS=1
export GO_HELPER_RESPONSE=%s
export GO_HELPER_STDERR=%s
export GO_HELPER_EXIT_CODE=%d
export GO_HELPER_DELAY=%s
export GO_HELPER_ARGS_FILE=%s
export GO_HELPER_TRACE_FILE=%s
exec %s -test.run=TestHelperProcess -- "$@"
`,
		shellQuote(f.Response),
		shellQuote(f.Stderr),
		f.ExitCode,
		shellQuote(f.Delay.String()),
		shellQuote(f.ArgsFile),
		shellQuote(f.TraceFile),
		shellQuote(testBinary))

	path := filepath.Join(t.TempDir(), "fake-restic.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake restic: %v", err)
	}
	return path
}

func newTestRestic(t *testing.T, f fakeRestic) *Restic {
	t.Helper()
	return NewResticWithBinary(fakeResticBinary(t, f), zerolog.Nop())
}

type recordedCall struct {
	Args     []string `json:"args"`
	Password string   `json:"password"`
}

func readCall(t *testing.T, path string) recordedCall {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read args file: %v", err)
	}
	var call recordedCall
	if err := json.Unmarshal(data, &call); err != nil {
		t.Fatalf("parse args file: %v", err)
	}
	return call
}

func testRepo() *models.Repository {
	return models.NewRepository("r1", "/backups/r1", "s3cr3t")
}

// memHistory is an in-memory HistoryStore.
type memHistory struct {
	mu      sync.Mutex
	entries []*models.HistoryEntry
	err     error
}

func (m *memHistory) AddHistory(_ context.Context, entry *models.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memHistory) all() []*models.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.HistoryEntry(nil), m.entries...)
}

// recordingSink remembers every status update.
type recordingSink struct {
	mu       sync.Mutex
	statuses []string
	states   []State
}

func (r *recordingSink) OnStatus(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, text)
}

func (r *recordingSink) OnStateChange(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingSink) snapshot() ([]string, []State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...), append([]State(nil), r.states...)
}

func TestJobArgs(t *testing.T) {
	repo := testRepo()

	tests := []struct {
		name string
		job  models.Job
		want []string
	}{
		{
			name: "backup",
			job:  models.Job{Type: models.JobTypeBackup, Directory: "/data"},
			want: []string{"-r", "/backups/r1", "--tag", ProvenanceTag, "--password-command", PasswordCommand, "--json", "backup", "/data"},
		},
		{
			name: "backup with extra args",
			job:  models.Job{Type: models.JobTypeBackup, Directory: "/data", AdditionalArgs: " --exclude  *.tmp "},
			want: []string{"-r", "/backups/r1", "--tag", ProvenanceTag, "--password-command", PasswordCommand, "--json", "backup", "--exclude", "*.tmp", "/data"},
		},
		{
			name: "forget has no tag or directory",
			job:  models.Job{Type: models.JobTypeForget, Directory: "/ignored", AdditionalArgs: "--keep-last 3"},
			want: []string{"-r", "/backups/r1", "--password-command", PasswordCommand, "--json", "forget", "--keep-last", "3"},
		},
		{
			name: "check",
			job:  models.Job{Type: models.JobTypeCheck},
			want: []string{"-r", "/backups/r1", "--password-command", PasswordCommand, "--json", "check"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JobArgs(repo, &tt.job)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("JobArgs() = %q, want %q", got, tt.want)
			}
			for _, a := range got {
				if a == "" {
					t.Error("JobArgs() contains an empty argument")
				}
				if strings.Contains(a, repo.Password) {
					t.Error("JobArgs() leaks the password")
				}
			}
		})
	}
}

func TestRestic_Command_PasswordInEnv(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.json")
	r := newTestRestic(t, fakeRestic{ArgsFile: argsFile})

	cmd := r.Command(context.Background(), testRepo(), []string{"version"})
	if err := cmd.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	call := readCall(t, argsFile)
	if call.Password != "s3cr3t" {
		t.Errorf("password env = %q, want s3cr3t", call.Password)
	}
	if strings.Join(call.Args, " ") != "version" {
		t.Errorf("args = %v", call.Args)
	}
}

func TestRestic_Snapshots(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		argsFile := filepath.Join(t.TempDir(), "args.json")
		r := newTestRestic(t, fakeRestic{
			Response: `[{"id":"abc123def","short_id":"abc123","time":"2024-01-15T10:30:00Z","hostname":"host","paths":["/data"],"tags":["created-by:keldris-scheduler"]}]`,
			ArgsFile: argsFile,
		})

		snapshots, err := r.Snapshots(context.Background(), testRepo())
		if err != nil {
			t.Fatalf("Snapshots() error = %v", err)
		}
		if len(snapshots) != 1 || snapshots[0].ShortID != "abc123" {
			t.Fatalf("Snapshots() = %+v", snapshots)
		}
		if snapshots[0].Time.Year() != 2024 {
			t.Errorf("Time = %v", snapshots[0].Time)
		}

		call := readCall(t, argsFile)
		if call.Args[len(call.Args)-1] != "snapshots" {
			t.Errorf("last arg = %q, want snapshots", call.Args[len(call.Args)-1])
		}
	})

	t.Run("not initialized", func(t *testing.T) {
		r := newTestRestic(t, fakeRestic{Stderr: "Fatal: repository does not exist", ExitCode: 1})
		_, err := r.Snapshots(context.Background(), testRepo())
		if !errors.Is(err, ErrRepositoryNotInitialized) {
			t.Errorf("Snapshots() error = %v, want ErrRepositoryNotInitialized", err)
		}
	})

	t.Run("exit_error message", func(t *testing.T) {
		r := newTestRestic(t, fakeRestic{
			Stderr:   `{"message_type":"exit_error","code":1,"message":"wrong password"}`,
			ExitCode: 1,
		})
		_, err := r.Snapshots(context.Background(), testRepo())
		if err == nil || !strings.Contains(err.Error(), "wrong password") {
			t.Errorf("Snapshots() error = %v, want wrong password", err)
		}
	})
}

func TestRestic_ListFiles(t *testing.T) {
	response := strings.Join([]string{
		`{"struct_type":"snapshot","id":"abc123"}`,
		`{"name":"data","type":"dir","path":"/data","size":0}`,
		`{"name":"a.txt","type":"file","path":"/data/a.txt","size":12}`,
		`{"name":"link","type":"symlink","path":"/data/link"}`,
	}, "\n")

	argsFile := filepath.Join(t.TempDir(), "args.json")
	r := newTestRestic(t, fakeRestic{Response: response, ArgsFile: argsFile})

	files, err := r.ListFiles(context.Background(), testRepo(), "abc123", "/data")
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ListFiles() returned %d entries, want 2", len(files))
	}
	if files[1].Size != 12 {
		t.Errorf("Size = %d, want 12", files[1].Size)
	}

	call := readCall(t, argsFile)
	tail := strings.Join(call.Args[len(call.Args)-3:], " ")
	if tail != "ls abc123 /data" {
		t.Errorf("args tail = %q", tail)
	}

	t.Run("snapshot not found", func(t *testing.T) {
		r := newTestRestic(t, fakeRestic{Stderr: "Fatal: no matching ID found", ExitCode: 1})
		if _, err := r.ListFiles(context.Background(), testRepo(), "nope", ""); !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("ListFiles() error = %v, want ErrSnapshotNotFound", err)
		}
	})
}

func TestRestic_Restore(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.json")
	r := newTestRestic(t, fakeRestic{ArgsFile: argsFile})

	err := r.Restore(context.Background(), testRepo(), "abc123", RestoreOptions{
		TargetPath: "/restore",
		Include:    []string{"/data/a.txt"},
	})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	call := readCall(t, argsFile)
	joined := strings.Join(call.Args, " ")
	if !strings.Contains(joined, "restore --target /restore --include /data/a.txt abc123") {
		t.Errorf("args = %q", joined)
	}

	if err := r.Restore(context.Background(), testRepo(), "abc123", RestoreOptions{}); err == nil {
		t.Error("Restore() without target should fail")
	}
}

func TestRestic_Version(t *testing.T) {
	r := newTestRestic(t, fakeRestic{Response: "restic 0.17.3 compiled with go1.23\n"})
	v, err := r.Version(context.Background())
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if v != "restic 0.17.3 compiled with go1.23" {
		t.Errorf("Version() = %q", v)
	}
}

func TestRestic_BinaryNotFound(t *testing.T) {
	r := NewResticWithBinary("/nonexistent/restic-binary", zerolog.Nop())
	if _, err := r.Snapshots(context.Background(), testRepo()); err == nil {
		t.Error("Snapshots() expected error for missing binary")
	}
}

func TestNewRestic(t *testing.T) {
	if got := NewRestic(zerolog.Nop()).Binary(); got != "restic" {
		t.Errorf("Binary() = %q, want restic", got)
	}
	if got := NewResticWithBinary("", zerolog.Nop()).Binary(); got != "restic" {
		t.Errorf("Binary() = %q, want restic", got)
	}
}

func TestRuntime_SnapshotsHoldsLock(t *testing.T) {
	rt := &Runtime{
		Locks:  NewRepoLocks(),
		Restic: newTestRestic(t, fakeRestic{Response: `[]`}),
	}

	release, err := rt.Locks.Acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := rt.Snapshots(ctx, testRepo()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Snapshots() error = %v, want deadline while lock is held", err)
	}

	release()
	if _, err := rt.Snapshots(context.Background(), testRepo()); err != nil {
		t.Errorf("Snapshots() error = %v", err)
	}
}
