package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Event is one append-only audit record keyed by session.
type Event struct {
	SessionID string    `json:"sessionId"`
	StepID    string    `json:"stepId,omitempty"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	PlanID    string    `json:"planId,omitempty"`
	RunID     string    `json:"runId,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Sink receives audit events. The orchestrator never reads them back.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

// SQLiteLog appends events to an events table.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog binds the log to an open database and creates its table.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			session_id TEXT NOT NULL,
			run_id TEXT,
			plan_id TEXT,
			step_id TEXT,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			error TEXT
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)`); err != nil {
		return nil, fmt.Errorf("create audit index: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (ts, session_id, run_id, plan_id, step_id, actor, action, status, message, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.Timestamp.UTC().Format(time.RFC3339Nano),
		evt.SessionID,
		evt.RunID,
		evt.PlanID,
		evt.StepID,
		evt.UserID,
		evt.Action,
		evt.Status,
		evt.Message,
		evt.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns the trail of one session in append order. Used by the CLI.
func (l *SQLiteLog) List(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT ts, session_id, run_id, plan_id, step_id, actor, action, status, message, error
		 FROM events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var ts string
		var runID, planID, stepID, message, errMsg sql.NullString
		if err := rows.Scan(&ts, &evt.SessionID, &runID, &planID, &stepID,
			&evt.UserID, &evt.Action, &evt.Status, &message, &errMsg); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		evt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		evt.RunID = runID.String
		evt.PlanID = planID.String
		evt.StepID = stepID.String
		evt.Message = message.String
		evt.Error = errMsg.String
		events = append(events, evt)
	}
	return events, rows.Err()
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(ctx context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.events = append(m.events, evt)
	return nil
}

// Events returns a copy of the events of sessionID, or all events when empty.
func (m *MemorySink) Events(sessionID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, evt := range m.events {
		if sessionID == "" || evt.SessionID == sessionID {
			out = append(out, evt)
		}
	}
	return out
}
