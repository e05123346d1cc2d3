// ABOUTME: SQLite-backed security audit log using modernc.org/sqlite
// ABOUTME: Append-only security_events table with automatic schema creation and filtered listing

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteLog persists security events to a SQLite database. Writes are
// best-effort from the caller's point of view: errors are logged, not
// returned, so an audit sink failure never fails the auth operation that
// triggered it.
type SQLiteLog struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteLog opens (or creates) the audit database at the given path.
// Parent directories are created if needed.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	logger := slog.Default().With("component", "audit")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &SQLiteLog{
		db:     db,
		logger: logger,
	}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit log initialized", "path", path)
	return l, nil
}

// createSchema creates the security_events table if it doesn't exist
func (l *SQLiteLog) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS security_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			uid INTEGER NOT NULL,
			pid INTEGER NOT NULL,
			method TEXT NOT NULL DEFAULT '',
			violation TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL,
			detail_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts);
		CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events(event_type);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// LogEvent records a security event. Generates ID and Timestamp if not set.
// Insert failures are logged and dropped.
func (l *SQLiteLog) LogEvent(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			l.logger.Warn("dropping audit detail", "id", e.ID, "error", err)
		} else {
			str := string(data)
			detailJSON = &str
		}
	}

	query := `
		INSERT INTO security_events (event_id, event_type, uid, pid, method, violation, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	l.mu.Lock()
	_, err := l.db.Exec(query,
		e.ID,
		string(e.Type),
		e.UID,
		e.PID,
		e.Method,
		e.Violation,
		e.Timestamp.UTC().Format(time.RFC3339),
		detailJSON,
	)
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("failed to append security event", "type", e.Type, "error", err)
		return
	}

	l.logger.Debug("appended security event",
		"id", e.ID,
		"type", e.Type,
		"uid", e.UID,
		"method", e.Method,
	)
}

// LogAPIDenied records a denied privileged call.
func (l *SQLiteLog) LogAPIDenied(uid uint32, pid int32, method string) {
	l.LogEvent(Event{
		Type:   EventAPIDenied,
		UID:    uid,
		PID:    pid,
		Method: method,
	})
}

// LogSecurityViolation records a security violation event.
func (l *SQLiteLog) LogSecurityViolation(violation string, uid uint32, pid int32, detail map[string]any) {
	l.LogEvent(Event{
		Type:      EventSecurityViolation,
		UID:       uid,
		PID:       pid,
		Violation: violation,
		Detail:    detail,
	})
}

// normalizeLimit applies default (100) and cap (1000) to a list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listQuery = `
	SELECT event_id, event_type, uid, pid, method, violation, ts, detail_json
	FROM security_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR event_type = ?)
	  AND (? IS NULL OR uid = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// List returns events matching the filter criteria, newest first.
func (l *SQLiteLog) List(ctx context.Context, f Filter) ([]Event, error) {
	limit := normalizeLimit(f.Limit)

	var sinceStr, untilStr, typeStr *string
	if f.Since != nil {
		s := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &s
	}
	if f.Until != nil {
		s := f.Until.UTC().Format(time.RFC3339)
		untilStr = &s
	}
	if f.Type != nil {
		s := string(*f.Type)
		typeStr = &s
	}

	rows, err := l.db.QueryContext(ctx, listQuery,
		sinceStr, sinceStr,
		untilStr, untilStr,
		typeStr, typeStr,
		f.UID, f.UID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}

	if events == nil {
		events = []Event{}
	}
	return events, nil
}

// scanEvent scans a row into an Event.
func scanEvent(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var e Event
	var typeStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&typeStr,
		&e.UID,
		&e.PID,
		&e.Method,
		&e.Violation,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning security event: %w", err)
	}

	e.Type = EventType(typeStr)
	var err error
	e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
