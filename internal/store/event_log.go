// Package store persists session events in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"kiln/internal/events"
	"kiln/internal/logging"
)

// MemoryPath opens a private in-process database.
const MemoryPath = ":memory:"

// ErrClosed is returned by operations on a closed EventLog.
var ErrClosed = errors.New("event log is closed")

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_session_events_type ON session_events(event_type);
`

// Record is one persisted event.
type Record struct {
	SessionID string
	Seq       int64
	Event     events.SessionEvent
	CreatedAt time.Time
}

// SessionInfo summarizes a session present in the log.
type SessionInfo struct {
	ID     string
	Events int
	First  time.Time
	Last   time.Time
}

// Options tunes Open.
type Options struct {
	BusyTimeout time.Duration
}

// EventLog is an append-only per-session event log.
type EventLog struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	closed bool
}

// Open opens (creating if needed) the event log at path with default options.
func Open(path string) (*EventLog, error) {
	return OpenWithOptions(path, Options{BusyTimeout: 5 * time.Second})
}

// OpenWithOptions opens the event log at path. Use MemoryPath for a
// throwaway log.
func OpenWithOptions(path string, opts Options) (*EventLog, error) {
	timer := logging.StartTimer(logging.CategoryStore, "OpenEventLog")
	defer timer.Stop()

	logging.Store("Opening event log at path: %s", path)

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory: and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if opts.BusyTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds())); err != nil {
			logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
		}
	}
	if path != MemoryPath {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(context.Background(), db); err != nil {
		logging.StoreError("Failed to migrate schema: %v", err)
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Event log schema initialized")

	return &EventLog{db: db, path: path}, nil
}

// Path returns the database location.
func (l *EventLog) Path() string { return l.path }

// Append stores ev at the end of the session's log and returns its sequence
// number, starting at 1.
func (l *EventLog) Append(ctx context.Context, sessionID string, ev events.SessionEvent) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	payload, err := events.EncodeData(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = ?",
		sessionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (session_id, seq, event_type, identifier, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, ev.EventType(), ev.Identifier(), string(payload), time.Now().UnixNano(),
	); err != nil {
		logging.StoreError("Failed to append event: session=%s type=%s: %v", sessionID, ev.EventType(), err)
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}

	logging.StoreDebug("Appended event: session=%s seq=%d type=%s", sessionID, seq, ev.EventType())
	return seq, nil
}

// Events returns the session's events in sequence order. A positive limit
// keeps only the most recent limit events.
func (l *EventLog) Events(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Events")
	defer timer.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	query := `SELECT session_id, seq, event_type, payload, created_at FROM (
		SELECT session_id, seq, event_type, payload, created_at FROM session_events
		WHERE session_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq ASC`
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := l.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		logging.StoreError("Failed to query events for %s: %v", sessionID, err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	logging.StoreDebug("Retrieved %d events for session %s", len(out), sessionID)
	return out, nil
}

// ByIdentifier returns events with the given identifier (a file path, tool
// name, ...) across all sessions, oldest first. A positive limit keeps only
// the most recent limit events.
func (l *EventLog) ByIdentifier(ctx context.Context, identifier string, limit int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	query := `SELECT session_id, seq, event_type, payload, created_at FROM (
		SELECT id, session_id, seq, event_type, payload, created_at FROM session_events
		WHERE identifier = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1
	}

	rows, err := l.db.QueryContext(ctx, query, identifier, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			rec       Record
			eventType string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.Seq, &eventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev, err := events.DecodeData(eventType, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %s/%d: %w", rec.SessionID, rec.Seq, err)
		}
		rec.Event = ev
		rec.CreatedAt = time.Unix(0, createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}

// Sessions lists every session in the log, most recently active first.
func (l *EventLog) Sessions(ctx context.Context) ([]SessionInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM session_events
		 GROUP BY session_id
		 ORDER BY MAX(created_at) DESC, session_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info        SessionInfo
			first, last int64
		)
		if err := rows.Scan(&info.ID, &info.Events, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.First = time.Unix(0, first)
		info.Last = time.Unix(0, last)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Close closes the database. Further calls return ErrClosed.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
