package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// HistoryDB is the history database file inside the config directory.
const HistoryDB = "history.db"

// busyTimeout is how long a write waits on another process holding the
// database, in milliseconds.
const busyTimeout = 5000

// timeFormat sorts lexically in chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteHistoryStore keeps execution history in SQLite.
type SQLiteHistoryStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteHistoryStore opens (or creates) the history database in dir.
func NewSQLiteHistoryStore(dir string, logger zerolog.Logger) (*SQLiteHistoryStore, error) {
	dbPath := filepath.Join(dir, HistoryDB)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers within the process. busy_timeout
	// covers a second process such as a foreground `job run`.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	store := &SQLiteHistoryStore{
		db:     db,
		logger: logger.With().Str("component", "history_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", dbPath).Msg("history database initialized")

	return store, nil
}

func (s *SQLiteHistoryStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			job_name TEXT NOT NULL,
			repo_name TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			success INTEGER NOT NULL,
			files INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL DEFAULT 0,
			duration INTEGER NOT NULL DEFAULT 0,
			snapshot_id TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			summary_text TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp);
		CREATE INDEX IF NOT EXISTS idx_history_job_name ON history(job_name);
		CREATE INDEX IF NOT EXISTS idx_history_repo_name ON history(repo_name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// AddHistory appends an entry. Missing IDs and timestamps are filled in.
func (s *SQLiteHistoryStore) AddHistory(ctx context.Context, entry *models.HistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO history (id, job_name, repo_name, timestamp, success, files, bytes, duration, snapshot_id, exit_code, summary_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID.String(),
		entry.JobName,
		entry.RepoName,
		entry.Timestamp.UTC().Format(timeFormat),
		entry.Success,
		entry.Files,
		entry.Bytes,
		entry.Duration,
		entry.SnapshotID,
		entry.ExitCode,
		entry.SummaryText,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

const selectHistory = `
	SELECT id, job_name, repo_name, timestamp, success, files, bytes, duration, snapshot_id, exit_code, summary_text
	FROM history
`

// LatestHistory returns up to limit entries, most recent first. A limit of
// zero or less returns everything.
func (s *SQLiteHistoryStore) LatestHistory(ctx context.Context, limit int) ([]*models.HistoryEntry, error) {
	return s.query(ctx, selectHistory+` ORDER BY timestamp DESC LIMIT ?`, sqlLimit(limit))
}

// HistoryForJob returns the entries of one job, most recent first.
func (s *SQLiteHistoryStore) HistoryForJob(ctx context.Context, jobName string, limit int) ([]*models.HistoryEntry, error) {
	return s.query(ctx, selectHistory+` WHERE job_name = ? ORDER BY timestamp DESC LIMIT ?`, jobName, sqlLimit(limit))
}

// HistoryForRepo returns the entries of one repository, most recent first.
func (s *SQLiteHistoryStore) HistoryForRepo(ctx context.Context, repoName string, limit int) ([]*models.HistoryEntry, error) {
	return s.query(ctx, selectHistory+` WHERE repo_name = ? ORDER BY timestamp DESC LIMIT ?`, repoName, sqlLimit(limit))
}

// ClearHistory deletes every entry and returns how many were removed.
func (s *SQLiteHistoryStore) ClearHistory(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM history`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return result.RowsAffected()
}

// DeleteHistoryBefore deletes entries older than before.
func (s *SQLiteHistoryStore) DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE timestamp < ?`,
		before.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("delete old history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Time("before", before).Msg("pruned history")
	}
	return deleted, nil
}

// CountHistory returns the number of stored entries.
func (s *SQLiteHistoryStore) CountHistory(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	return count, nil
}

// legacyEntry is one record of a history.json file.
type legacyEntry struct {
	JobName     string `json:"job_name"`
	RepoName    string `json:"repo_name"`
	Timestamp   string `json:"timestamp"`
	Success     bool   `json:"success"`
	Files       int64  `json:"files"`
	Bytes       int64  `json:"bytes"`
	Duration    int    `json:"duration"`
	SnapshotID  string `json:"snapshot_id"`
	ExitCode    int    `json:"exit_code"`
	SummaryText string `json:"summary_text"`
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseLegacyTime(s string) (time.Time, error) {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ImportJSON imports a JSON array of history records, as written by earlier
// file based versions, and returns the number imported. Timestamps without
// a zone are read as local time.
func (s *SQLiteHistoryStore) ImportJSON(ctx context.Context, r io.Reader) (int, error) {
	var records []legacyEntry
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("parse history file: %w", err)
	}

	imported := 0
	for _, rec := range records {
		ts, err := parseLegacyTime(rec.Timestamp)
		if err != nil {
			s.logger.Warn().Err(err).Str("job", rec.JobName).Msg("skipping history record")
			continue
		}
		entry := &models.HistoryEntry{
			ID:          uuid.New(),
			JobName:     rec.JobName,
			RepoName:    rec.RepoName,
			Timestamp:   ts,
			Success:     rec.Success,
			Files:       rec.Files,
			Bytes:       rec.Bytes,
			Duration:    rec.Duration,
			SnapshotID:  rec.SnapshotID,
			ExitCode:    rec.ExitCode,
			SummaryText: rec.SummaryText,
		}
		if err := s.AddHistory(ctx, entry); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// Ping checks the database connection.
func (s *SQLiteHistoryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteHistoryStore) Close() error {
	return s.db.Close()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *SQLiteHistoryStore) query(ctx context.Context, query string, args ...any) ([]*models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (*models.HistoryEntry, error) {
	var (
		entry models.HistoryEntry
		id    string
		ts    string
	)
	if err := rows.Scan(&id, &entry.JobName, &entry.RepoName, &ts, &entry.Success,
		&entry.Files, &entry.Bytes, &entry.Duration, &entry.SnapshotID, &entry.ExitCode, &entry.SummaryText); err != nil {
		return nil, fmt.Errorf("scan history entry: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse history id: %w", err)
	}
	entry.ID = parsed

	t, err := time.Parse(timeFormat, ts)
	if err != nil {
		return nil, fmt.Errorf("parse history timestamp: %w", err)
	}
	entry.Timestamp = t.Local()

	return &entry, nil
}
