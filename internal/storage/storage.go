package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Store wraps SQLite-backed run history.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and applies pending migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// parallel batch workers record through one connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close s.DB as well
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one invocation of the pipeline.
type RunRecord struct {
	ID          string         `json:"id"`
	SourcePath  string         `json:"source_path"`
	Status      string         `json:"status"`
	ImageCount  int            `json:"image_count"`
	BatchCount  int            `json:"batch_count"`
	BatchSize   int            `json:"batch_size"`
	Options     map[string]any `json:"options,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// BatchRecord captures the latest state of one batch.
type BatchRecord struct {
	RunID            string    `json:"run_id"`
	Index            int       `json:"index"`
	Dir              string    `json:"dir"`
	ImageCount       int       `json:"image_count"`
	Status           string    `json:"status"`
	Error            string    `json:"error,omitempty"`
	RegisteredImages int       `json:"registered_images"`
	Keypoints        int64     `json:"keypoints"`
	MatchedPairs     int       `json:"matched_pairs"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AttemptRecord captures one external command attempt.
type AttemptRecord struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Command   string        `json:"command"`
	Attempt   int           `json:"attempt"`
	Total     int           `json:"total"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// StartRun inserts a running run.
func (s *Store) StartRun(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	optsJSON, _ := json.Marshal(rec.Options)
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, source_path, status, image_count, batch_count, batch_size, options_json, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.SourcePath, RunRunning, rec.ImageCount, rec.BatchCount, rec.BatchSize, string(optsJSON), formatTime(rec.StartedAt))
	return err
}

// UpdateRunCounts records the image and batch totals once partitioning is done.
func (s *Store) UpdateRunCounts(id string, images, batches int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET image_count=?, batch_count=? WHERE id=?;`, images, batches, id)
	return err
}

// FinishRun finalizes a run with status and result meta.
func (s *Store) FinishRun(id, status string, result map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	resultJSON, _ := json.Marshal(result)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, result_json=?, error_message=?, completed_at=? WHERE id=?;`,
		status, string(resultJSON), errMsg, formatTime(time.Now()), id)
	return err
}

// RecordBatch upserts the state of one batch.
func (s *Store) RecordBatch(rec BatchRecord) error {
	if s == nil {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO batches (run_id, batch_index, dir, image_count, status, error_message, registered_images, keypoints, matched_pairs, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Index, rec.Dir, rec.ImageCount, rec.Status, rec.Error, rec.RegisteredImages, rec.Keypoints, rec.MatchedPairs, formatTime(rec.UpdatedAt))
	return err
}

// RecordAttempt appends a command attempt.
func (s *Store) RecordAttempt(rec AttemptRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO command_attempts (run_id, stage, command, attempt, total, exit_code, timed_out, error_message, started_at, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Stage, rec.Command, rec.Attempt, rec.Total, rec.ExitCode, rec.TimedOut, rec.Error, formatTime(rec.StartedAt), rec.Duration.Milliseconds())
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, source_path, status, image_count, batch_count, batch_size, options_json, result_json, error_message, started_at, completed_at
        FROM runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches a single run by id.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, source_path, status, image_count, batch_count, batch_size, options_json, result_json, error_message, started_at, completed_at
        FROM runs WHERE id=?;`, id)
	return scanRun(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var opts, result, errMsg, completed sql.NullString
	var started string
	if err := row.Scan(&rec.ID, &rec.SourcePath, &rec.Status, &rec.ImageCount, &rec.BatchCount, &rec.BatchSize, &opts, &result, &errMsg, &started, &completed); err != nil {
		return rec, err
	}
	rec.StartedAt = parseTime(started)
	if completed.Valid && completed.String != "" {
		t := parseTime(completed.String)
		rec.CompletedAt = &t
	}
	if errMsg.Valid {
		rec.Error = errMsg.String
	}
	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &rec.Options); err != nil {
			return rec, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return rec, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return rec, nil
}

// Batches lists the batches of a run in index order.
func (s *Store) Batches(runID string) ([]BatchRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, batch_index, dir, image_count, status, error_message, registered_images, keypoints, matched_pairs, updated_at
        FROM batches WHERE run_id=? ORDER BY batch_index;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []BatchRecord
	for rows.Next() {
		var rec BatchRecord
		var errMsg sql.NullString
		var updated string
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Dir, &rec.ImageCount, &rec.Status, &errMsg, &rec.RegisteredImages, &rec.Keypoints, &rec.MatchedPairs, &updated); err != nil {
			return nil, err
		}
		rec.Error = errMsg.String
		rec.UpdatedAt = parseTime(updated)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Attempts lists command attempts of a run in execution order.
func (s *Store) Attempts(runID string) ([]AttemptRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, stage, command, attempt, total, exit_code, timed_out, error_message, started_at, duration_ms
        FROM command_attempts WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var errMsg sql.NullString
		var started string
		var ms int64
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Command, &rec.Attempt, &rec.Total, &rec.ExitCode, &rec.TimedOut, &errMsg, &started, &ms); err != nil {
			return nil, err
		}
		rec.Error = errMsg.String
		rec.StartedAt = parseTime(started)
		rec.Duration = time.Duration(ms) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// fixed width so timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
