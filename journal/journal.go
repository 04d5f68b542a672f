// Package journal persists the agent's event log in SQLite.
//
// Every state transition, alert and operator action is appended as a row so
// that a node's history survives restarts and can be inspected offline by
// copying one file. The database runs in WAL mode for concurrent reads while
// the agent is writing.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event is one journal row.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Subsystem string    `json:"subsystem"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// Event kinds written by the agent.
const (
	KindTransition = "transition"
	KindAlert      = "alert"
	KindAction     = "action"
)

// Config holds journal settings.
type Config struct {
	// Path to the SQLite database file.
	Path string

	// RetainEvents caps the number of rows kept. Append prunes the oldest
	// rows once the cap is exceeded.
	RetainEvents int
}

// Journal is an append-only event log backed by SQLite.
type Journal struct {
	db     *sql.DB
	retain int
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        INTEGER NOT NULL,
	subsystem TEXT NOT NULL,
	kind      TEXT NOT NULL,
	message   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_subsystem ON events(subsystem);
`

// Open creates or opens the journal at cfg.Path and initializes the schema.
func Open(cfg Config) (*Journal, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	retain := cfg.RetainEvents
	if retain < 1 {
		retain = 10000
	}
	return &Journal{db: db, retain: retain}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append writes one event and prunes rows beyond the retention cap.
func (j *Journal) Append(ctx context.Context, subsystem, kind, message string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (ts, subsystem, kind, message) VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), subsystem, kind, message)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`DELETE FROM events WHERE id <= (SELECT MAX(id) FROM events) - ?`, j.retain)
	if err != nil {
		return fmt.Errorf("failed to prune events: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, subsystem, kind, message FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Subsystem, &e.Kind, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// BySubsystem returns up to limit events for one subsystem, newest first.
func (j *Journal) BySubsystem(ctx context.Context, subsystem string, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, subsystem, kind, message FROM events WHERE subsystem = ? ORDER BY id DESC LIMIT ?`,
		subsystem, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Subsystem, &e.Kind, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Count returns the number of retained events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
