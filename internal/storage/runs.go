package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunRecord captures a persisted relative pose run.
type RunRecord struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Status      string     `json:"status"`
	Pairs       int        `json:"pairs"`
	Workers     int        `json:"workers"`
	Chunks      int        `json:"chunks"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	status := rec.Status
	if status == "" {
		status = StatusQueued
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO relpose_runs (id, mode, status, pairs, workers, chunks, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Mode, status, rec.Pairs, rec.Workers, rec.Chunks, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE relpose_runs SET status=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, id)
	return err
}

// RecordRunResult finalizes a run with status and summary. A positive workers
// replaces the requested worker count with the pool size actually used.
func (s *Store) RecordRunResult(id string, status string, workers int, summary map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	summaryJSON, _ := json.Marshal(summary)
	_, err := s.DB.Exec(`UPDATE relpose_runs SET status=?, workers=COALESCE(NULLIF(?, 0), workers), completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, workers, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, summary_json) VALUES (?, ?);`, id, string(summaryJSON))
	return err
}

const runColumns = `id, mode, status, pairs, workers, chunks, options_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var options, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Mode, &rec.Status, &rec.Pairs, &rec.Workers, &rec.Chunks, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errNoStore
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM relpose_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
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
		return RunRecord{}, errNoStore
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM relpose_runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// RunSummary fetches the last summary blob for a run.
func (s *Store) RunSummary(id string) (map[string]any, error) {
	if s == nil {
		return nil, errNoStore
	}
	var summaryJSON string
	err := s.DB.QueryRow(`SELECT summary_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s summary: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var summary map[string]any
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return summary, nil
}
