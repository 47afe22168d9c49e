package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"clipwatch/internal/pipeline"
)

// Run states stored in the runs table.
const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

const modelConfigKey = "model_config"

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger *log.Logger
}

// RunRecord is one pipeline run stored in the database
type RunRecord struct {
	ID             string
	Source         string
	ClipSize       int
	Memory         int
	Threshold      int
	State          string
	StartedAt      time.Time
	EndedAt        *time.Time
	Clips          int64
	FramesCaptured int64
	ProcessingFPS  float64
	CaptureFPS     float64
	StreamingDelay float64
	LastLabel      string
	LastScore      float64
	Error          string
}

// New creates a new database connection
func New(dbPath string, logger *log.Logger) (*Database, error) {
	if logger == nil {
		logger = log.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db, logger: logger}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is usable.
func (d *Database) Ping() error {
	return d.db.Ping()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			clip_size INTEGER NOT NULL,
			memory INTEGER NOT NULL,
			threshold INTEGER NOT NULL,
			state TEXT NOT NULL DEFAULT 'running',
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			clips INTEGER DEFAULT 0,
			frames_captured INTEGER DEFAULT 0,
			processing_fps REAL DEFAULT -1,
			capture_fps REAL DEFAULT -1,
			streaming_delay REAL DEFAULT -1,
			last_label TEXT DEFAULT '',
			last_score REAL DEFAULT 0,
			error TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Runs interrupted by a crash can never finish.
	if _, err := d.db.Exec(`UPDATE runs SET state = ?, error = 'interrupted' WHERE state = ?`, RunFailed, RunRunning); err != nil {
		return fmt.Errorf("failed to close interrupted runs: %w", err)
	}

	d.logger.Printf("[DB] Database migrations completed successfully")
	return nil
}

// SaveRun inserts a run or updates its mutable fields
func (d *Database) SaveRun(run *RunRecord) error {
	query := `INSERT INTO runs (id, source, clip_size, memory, threshold, state, started_at, ended_at,
			clips, frames_captured, processing_fps, capture_fps, streaming_delay, last_label, last_score, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			ended_at = excluded.ended_at,
			clips = excluded.clips,
			frames_captured = excluded.frames_captured,
			processing_fps = excluded.processing_fps,
			capture_fps = excluded.capture_fps,
			streaming_delay = excluded.streaming_delay,
			last_label = excluded.last_label,
			last_score = excluded.last_score,
			error = excluded.error`

	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: *run.EndedAt, Valid: true}
	}

	_, err := d.db.Exec(query, run.ID, run.Source, run.ClipSize, run.Memory, run.Threshold, run.State,
		run.StartedAt, endedAt, run.Clips, run.FramesCaptured, run.ProcessingFPS, run.CaptureFPS,
		run.StreamingDelay, run.LastLabel, run.LastScore, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, source, clip_size, memory, threshold, state, started_at, ended_at, clips,
	frames_captured, processing_fps, capture_fps, streaming_delay, last_label, last_score, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*RunRecord, error) {
	var run RunRecord
	var endedAt sql.NullTime
	if err := s.Scan(&run.ID, &run.Source, &run.ClipSize, &run.Memory, &run.Threshold, &run.State,
		&run.StartedAt, &endedAt, &run.Clips, &run.FramesCaptured, &run.ProcessingFPS, &run.CaptureFPS,
		&run.StreamingDelay, &run.LastLabel, &run.LastScore, &run.Error); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID. It returns nil when the run does not exist.
func (d *Database) GetRun(id string) (*RunRecord, error) {
	run, err := scanRun(d.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (d *Database) ListRuns(limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteOldRuns deletes runs started before the specified time
func (d *Database) DeleteOldRuns(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM runs WHERE started_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}
	return result.RowsAffected()
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	_, err := d.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig retrieves a configuration value
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

// SaveModelConfig persists the model config applied by the last run.
func (d *Database) SaveModelConfig(cfg pipeline.ModelConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal model config: %w", err)
	}
	return d.SaveConfig(modelConfigKey, string(data))
}

// GetModelConfig returns the persisted model config, or ok=false if none.
func (d *Database) GetModelConfig() (cfg pipeline.ModelConfig, ok bool, err error) {
	value, err := d.GetConfig(modelConfigKey)
	if err != nil || value == "" {
		return cfg, false, err
	}
	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		return cfg, false, fmt.Errorf("failed to unmarshal model config: %w", err)
	}
	return cfg, true, nil
}
