package models

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestJob_Validate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{
			name:    "empty job",
			job:     Job{},
			wantErr: true,
		},
		{
			name:    "missing target repo",
			job:     Job{Name: "daily", Type: JobTypeBackup, Directory: "/data"},
			wantErr: true,
		},
		{
			name:    "invalid type",
			job:     Job{Name: "daily", TargetRepo: "r1", Type: "restore"},
			wantErr: true,
		},
		{
			name:    "unlock is not configurable",
			job:     Job{Name: "daily", TargetRepo: "r1", Type: JobTypeUnlock},
			wantErr: true,
		},
		{
			name:    "backup without directory",
			job:     Job{Name: "daily", TargetRepo: "r1", Type: JobTypeBackup},
			wantErr: true,
		},
		{
			name:    "valid backup",
			job:     Job{Name: "daily", TargetRepo: "r1", Type: JobTypeBackup, Directory: "/data"},
			wantErr: false,
		},
		{
			name:    "valid forget without directory",
			job:     Job{Name: "cleanup", TargetRepo: "r1", Type: JobTypeForget, AdditionalArgs: "--keep-last 7"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJob_ExtraArgs(t *testing.T) {
	job := Job{AdditionalArgs: "  --keep-daily 7 \t--keep-weekly   4 "}
	want := []string{"--keep-daily", "7", "--keep-weekly", "4"}
	if got := job.ExtraArgs(); !reflect.DeepEqual(got, want) {
		t.Errorf("ExtraArgs() = %v, want %v", got, want)
	}

	empty := Job{}
	if got := empty.ExtraArgs(); len(got) != 0 {
		t.Errorf("ExtraArgs() = %v, want empty", got)
	}
}

func TestRepository_Validate(t *testing.T) {
	if err := NewRepository("r1", "/backups/r1", "secret").Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := NewRepository("", "/backups/r1", "").Validate(); err == nil {
		t.Error("Validate() expected error for missing name")
	}
	if err := NewRepository("r1", " ", "").Validate(); err == nil {
		t.Error("Validate() expected error for missing url")
	}
}

func TestRepository_Redacted(t *testing.T) {
	repo := NewRepository("r1", "/backups/r1", "secret")
	redacted := repo.Redacted()
	if redacted.Password == "secret" {
		t.Error("Redacted() should hide the password")
	}
	if repo.Password != "secret" {
		t.Error("Redacted() must not modify the original")
	}
}

func TestNewHistoryEntry(t *testing.T) {
	entry := NewHistoryEntry("daily", "r1")

	if entry.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if entry.JobName != "daily" || entry.RepoName != "r1" {
		t.Errorf("unexpected names: %s/%s", entry.JobName, entry.RepoName)
	}
	if entry.Timestamp.IsZero() {
		t.Error("expected Timestamp to be set")
	}

	entry.Duration = 90
	if entry.DurationTime().Seconds() != 90 {
		t.Errorf("DurationTime() = %v, want 90s", entry.DurationTime())
	}
}

func TestJob_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		enabled bool
	}{
		{"missing enabled defaults to true", `{"name":"daily","target_repo":"r1","type":"backup"}`, true},
		{"explicit false", `{"name":"daily","enabled":false}`, false},
		{"explicit true", `{"name":"daily","enabled":true}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var job Job
			if err := json.Unmarshal([]byte(tt.data), &job); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if job.Enabled != tt.enabled {
				t.Errorf("Enabled = %v, want %v", job.Enabled, tt.enabled)
			}
			if job.Name != "daily" {
				t.Errorf("Name = %q", job.Name)
			}
		})
	}
}
