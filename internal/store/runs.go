package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rahul/cantiere/internal/engine"
)

// SaveRun upserts a ToolRun snapshot.
func (s *Store) SaveRun(ctx context.Context, run engine.ToolRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO runs (id, session_id, plan_id, status, started_at, finished_at, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	finished_at = excluded.finished_at,
	payload_json = excluded.payload_json`,
		run.ID, run.SessionID, run.PlanID, string(run.Status),
		formatTime(run.StartedAt), nullTime(run.FinishedAt), string(payload))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Runs returns the run snapshots of a session, oldest first.
func (s *Store) Runs(ctx context.Context, sessionID string) ([]engine.ToolRun, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT payload_json FROM runs WHERE session_id = ? ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.ToolRun
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run engine.ToolRun
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
