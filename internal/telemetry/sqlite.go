package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	conv_id  TEXT NOT NULL DEFAULT '',
	ts       TEXT NOT NULL,
	payload  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id, ts);
`

// SQLiteSink appends events to an events table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) an event database. An empty path opens an
// in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create telemetry directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	if path == "" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append inserts ev.
func (s *SQLiteSink) Append(ctx context.Context, ev Event) error {
	ev = stamp(ev)
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO events (id, name, trace_id, conv_id, ts, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Name, ev.TraceID, ev.ConvID, ev.Timestamp.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// StoredEvent is a row of the events table.
type StoredEvent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"ts"`
	Payload   string    `json:"payload"`
}

// Trace returns the events of one trace in order.
func (s *SQLiteSink) Trace(ctx context.Context, traceID string) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, trace_id, ts, payload FROM events WHERE trace_id = ? ORDER BY ts, rowid`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			e  StoredEvent
			ts string
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.TraceID, &ts, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
