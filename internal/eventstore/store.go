// Package eventstore persists audit events to a local SQLite database so
// operators can query proxy history after the fact without shipping logs
// anywhere.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/CrapTheKid/safe-proxy-site/internal/emit"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         TEXT NOT NULL,
	severity   TEXT NOT NULL,
	event_type TEXT NOT NULL,
	instance   TEXT NOT NULL,
	fields     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// Store is an emit.Sink that writes events to a SQLite file.
// Safe for concurrent use; database/sql serializes access.
type Store struct {
	db *sql.DB
}

// Record is a stored audit event as returned by queries.
type Record struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Severity  string         `json:"severity"`
	Type      string         `json:"event_type"`
	Instance  string         `json:"instance"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Open opens (or creates) the event database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent emits.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Emit stores a single event. Implements emit.Sink.
func (s *Store) Emit(ctx context.Context, event emit.Event) error {
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("eventstore: marshal fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (ts, severity, event_type, instance, fields) VALUES (?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Severity.String(),
		event.Type,
		event.InstanceID,
		string(fields),
	)
	if err != nil {
		return fmt.Errorf("eventstore: insert: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first. A non-empty eventType
// restricts the query to that type. limit caps the result size.
func (s *Store) Recent(ctx context.Context, eventType string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, ts, severity, event_type, instance, fields FROM events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			ts, flds string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Severity, &rec.Type, &rec.Instance, &flds); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("eventstore: bad timestamp %q: %w", ts, err)
		}
		if flds != "" && flds != "null" {
			if err := json.Unmarshal([]byte(flds), &rec.Fields); err != nil {
				return nil, fmt.Errorf("eventstore: bad fields for event %d: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes events older than the cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE ts < ?`,
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("eventstore: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle. Implements emit.Sink.
func (s *Store) Close() error {
	return s.db.Close()
}
