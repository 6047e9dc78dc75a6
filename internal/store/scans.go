package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type ScanRun struct {
	ID         string          `json:"id"`
	Trigger    string          `json:"trigger"`
	Checked    int             `json:"checked"`
	Published  int             `json:"published"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Results    json.RawMessage `json:"results,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

func scanScanRun(scanner interface {
	Scan(dest ...any) error
}) (*ScanRun, error) {
	r := &ScanRun{}
	var results *string
	err := scanner.Scan(&r.ID, &r.Trigger, &r.Checked, &r.Published, &r.Failed, &r.Skipped, &results, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	if results != nil {
		r.Results = json.RawMessage(*results)
	}
	return r, nil
}

func (s *Store) SaveScanRun(ctx context.Context, r *ScanRun) error {
	var results *string
	if len(r.Results) > 0 {
		v := string(r.Results)
		results = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_runs (id, trigger, checked, published, failed, skipped, results, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Trigger, r.Checked, r.Published, r.Failed, r.Skipped, results, r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("save scan run: %w", err)
	}
	return nil
}

// ListScanRuns returns the most recent runs first.
func (s *Store) ListScanRuns(ctx context.Context, limit int) ([]ScanRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger, checked, published, failed, skipped, results, started_at, finished_at
		FROM scan_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	defer rows.Close()

	var runs []ScanRun
	for rows.Next() {
		r, err := scanScanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
