package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// ErrNotInitialized is returned by queries on a nil store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for sharpening runs and their windows.
type Store struct {
	DB     *sql.DB // Export for direct database access
	logger *slog.Logger
}

// New opens (or creates) the database at path and migrates it to the latest schema.
func New(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; window outcomes arrive while runs update
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{DB: db, logger: logger}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted run.
type RunRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	ScenePath   string     `json:"scene_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WindowRecord captures the outcome of one window of a run.
type WindowRecord struct {
	RunID      string `json:"run_id"`
	Index      int    `json:"index"`
	Row0       int    `json:"row0"`
	Col0       int    `json:"col0"`
	Row1       int    `json:"row1"`
	Col1       int    `json:"col1"`
	Status     string `json:"status"`
	Samples    int    `json:"samples"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO sharpening_runs (id, status, scene_path, output_path, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.ScenePath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE sharpening_runs SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE sharpening_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordWindow stores the outcome of one window, replacing an earlier one.
func (s *Store) RecordWindow(rec WindowRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO window_results (run_id, window_index, row0, col0, row1, col1, status, samples, duration_ms, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Index, rec.Row0, rec.Col0, rec.Row1, rec.Col1, rec.Status, rec.Samples, rec.DurationMS, rec.Error)
	return err
}

const runColumns = `id, status, scene_path, output_path, options_json, created_at, started_at, completed_at, error_message`

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM sharpening_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
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

// Run fetches one run. A missing run yields sql.ErrNoRows.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, ErrNotInitialized
	}
	return scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM sharpening_runs WHERE id=?;`, id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var created time.Time
	var started, completed sql.NullTime
	var scene, output, options, errorMsg sql.NullString
	if err := row.Scan(&rec.ID, &rec.Status, &scene, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.CreatedAt = created
	rec.ScenePath = scene.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if errorMsg.Valid {
		rec.Error = errorMsg.String
	}
	return rec, nil
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RunWindows returns the window outcomes of a run in window order.
func (s *Store) RunWindows(id string) ([]WindowRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT run_id, window_index, row0, col0, row1, col1, status, samples, duration_ms, error_message
        FROM window_results WHERE run_id=? ORDER BY window_index;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []WindowRecord
	for rows.Next() {
		var rec WindowRecord
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Row0, &rec.Col0, &rec.Row1, &rec.Col1, &rec.Status, &rec.Samples, &rec.DurationMS, &errorMsg); err != nil {
			return nil, err
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// WindowCounts tallies the window statuses of a run.
func (s *Store) WindowCounts(id string) (map[string]int, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM window_results WHERE run_id=? GROUP BY status;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
