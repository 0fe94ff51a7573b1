package emitter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/visiona/sentinel/internal/types"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id          TEXT PRIMARY KEY,
	timestamp         TEXT NOT NULL,
	motion_confidence REAL NOT NULL,
	detections        TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	image_ref         TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// SQLiteSink appends events to a local SQLite database. Rows are
// insert-only; events are never updated after creation.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path and prepares
// the schema. The pool is limited to a single connection since SQLite
// allows one writer at a time.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite sink: connect %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite sink: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite sink: apply schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Name implements types.EventSink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Write implements types.EventSink.
func (s *SQLiteSink) Write(ctx context.Context, event *types.Event) error {
	detections, err := json.Marshal(event.Detections)
	if err != nil {
		return fmt.Errorf("sqlite sink: encode detections for %s: %w", event.EventID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, timestamp, motion_confidence, detections, description, image_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		event.MotionConfidence,
		string(detections),
		event.Description,
		event.ImageRef,
		event.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("sqlite sink: insert event %s: %w", event.EventID, err)
	}
	return nil
}

// Flush implements types.EventSink. Inserts are committed per
// statement; WAL checkpointing is SQLite's concern.
func (s *SQLiteSink) Flush(context.Context) error { return nil }

// Probe verifies the database is reachable.
func (s *SQLiteSink) Probe(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite sink: ping: %w", err)
	}
	return nil
}

// Close implements types.EventSink.
func (s *SQLiteSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PruneBefore deletes every event row older than cutoff. Called by
// the storage governor when rotation removes day partitions, so the
// database tracks the retained window instead of growing without
// bound. Timestamps are stored as ISO 8601 text with offsets;
// datetime() normalizes them to UTC for the comparison.
func (s *SQLiteSink) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE datetime(timestamp) < datetime(?)",
		cutoff.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite sink: prune events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored events, used by health checks
// and tests.
func (s *SQLiteSink) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite sink: count events: %w", err)
	}
	return n, nil
}
