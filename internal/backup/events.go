package backup

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// restic --json message types.
const (
	MessageStatus    = "status"
	MessageSummary   = "summary"
	MessageError     = "error"
	MessageExitError = "exit_error"
)

const bytesPerMB = 1024 * 1024

type eventHeader struct {
	MessageType string `json:"message_type"`
}

// StatusEvent is a progress update from restic backup.
type StatusEvent struct {
	MessageType    string  `json:"message_type"`
	SecondsElapsed int64   `json:"seconds_elapsed"`
	PercentDone    float64 `json:"percent_done"`
	TotalFiles     int64   `json:"total_files"`
	FilesDone      int64   `json:"files_done"`
	TotalBytes     int64   `json:"total_bytes"`
	BytesDone      int64   `json:"bytes_done"`
}

// Progress formats the event for display, e.g.
// "Progress: 42% - 10/20 files, 5/10 MB".
func (e StatusEvent) Progress() string {
	return fmt.Sprintf("Progress: %.0f%% - %d/%d files, %.0f/%.0f MB",
		e.PercentDone*100,
		e.FilesDone, e.TotalFiles,
		float64(e.BytesDone)/bytesPerMB, float64(e.TotalBytes)/bytesPerMB)
}

// BackupSummary is the final message of restic backup --json.
type BackupSummary struct {
	MessageType         string  `json:"message_type"`
	SnapshotID          string  `json:"snapshot_id"`
	FilesNew            int64   `json:"files_new"`
	FilesChanged        int64   `json:"files_changed"`
	FilesUnmodified     int64   `json:"files_unmodified"`
	DirsNew             int64   `json:"dirs_new"`
	DirsChanged         int64   `json:"dirs_changed"`
	DirsUnmodified      int64   `json:"dirs_unmodified"`
	DataBlobs           int64   `json:"data_blobs"`
	TreeBlobs           int64   `json:"tree_blobs"`
	DataAdded           int64   `json:"data_added"`
	TotalFilesProcessed int64   `json:"total_files_processed"`
	TotalBytesProcessed int64   `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
}

// CheckSummary is the final message of restic check --json.
type CheckSummary struct {
	MessageType string `json:"message_type"`
	NumErrors   int    `json:"num_errors"`
}

// ErrorEvent is a non-fatal error reported inline by restic.
type ErrorEvent struct {
	MessageType string          `json:"message_type"`
	Error       json.RawMessage `json:"error"`
	During      string          `json:"during"`
	Item        string          `json:"item"`
}

// Text returns the error message carried by the event.
func (e ErrorEvent) Text() string {
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Error, &nested); err == nil && nested.Message != "" {
		return nested.Message
	}
	var s string
	if err := json.Unmarshal(e.Error, &s); err == nil && s != "" {
		return s
	}
	if len(e.Error) > 0 {
		return string(e.Error)
	}
	return "unknown error"
}

// ExitErrorEvent is the fatal error restic prints on stderr before exiting.
type ExitErrorEvent struct {
	MessageType string `json:"message_type"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

// ForgetResult contains the results of a forget operation.
type ForgetResult struct {
	SnapshotsRemoved int      `json:"snapshots_removed"`
	SnapshotsKept    int      `json:"snapshots_kept"`
	RemovedIDs       []string `json:"removed_ids,omitempty"`
}

// Text formats the counts for the history record.
func (f *ForgetResult) Text() string {
	return fmt.Sprintf("remove: %d, keep: %d", f.SnapshotsRemoved, f.SnapshotsKept)
}

// forgetGroup is one policy group of restic forget --json.
type forgetGroup struct {
	Tags   []string         `json:"tags,omitempty"`
	Host   string           `json:"host,omitempty"`
	Paths  []string         `json:"paths,omitempty"`
	Keep   []forgetSnapshot `json:"keep"`
	Remove []forgetSnapshot `json:"remove"`
}

type forgetSnapshot struct {
	ID       string    `json:"id"`
	ShortID  string    `json:"short_id"`
	Time     time.Time `json:"time"`
	Hostname string    `json:"hostname"`
	Paths    []string  `json:"paths"`
}

func (g forgetGroup) addTo(result *ForgetResult) {
	result.SnapshotsKept += len(g.Keep)
	result.SnapshotsRemoved += len(g.Remove)
	for _, snap := range g.Remove {
		result.RemovedIDs = append(result.RemovedIDs, snap.ShortID)
	}
}

// parseForgetPayload aggregates a forget payload, which is either an array
// of groups or a single group. The returned payload has the array wrapper
// removed.
func parseForgetPayload(payload json.RawMessage) (*ForgetResult, json.RawMessage, error) {
	result := &ForgetResult{}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return result, payload, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var groups []json.RawMessage
		if err := json.Unmarshal(payload, &groups); err != nil {
			return nil, payload, fmt.Errorf("parse forget output: %w", err)
		}
		for _, raw := range groups {
			var g forgetGroup
			if err := json.Unmarshal(raw, &g); err != nil {
				return nil, payload, fmt.Errorf("parse forget group: %w", err)
			}
			g.addTo(result)
		}
		if len(groups) == 0 {
			return result, payload, nil
		}
		return result, groups[0], nil
	}

	var g forgetGroup
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, payload, fmt.Errorf("parse forget group: %w", err)
	}
	g.addTo(result)
	return result, payload, nil
}
