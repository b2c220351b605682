// Package database persists run history and audit events in sqlite.
// Every write here is best-effort from the caller's point of view: a
// broken database must never block starting or stopping a probe run.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var db *sql.DB

const defaultDBFile = "maxprobectl.db"

func dbPath() string {
	if p := strings.TrimSpace(os.Getenv("MAXPROBE_DB_PATH")); p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), defaultDBFile)
}

// InitDB opens (creating if needed) the sqlite database and applies the
// schema. Safe to call more than once.
func InitDB() error {
	if db != nil {
		return nil
	}
	conn, err := sql.Open("sqlite3", dbPath())
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("apply schema: %w", err)
	}
	db = conn
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	profile TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL DEFAULT '',
	exit_code INTEGER,
	actor TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_run_events_created ON run_events(created_at DESC, id DESC);
`

// GetDB exposes the handle for readiness checks.
func GetDB() *sql.DB { return db }

// CloseDB closes the handle; safe when never opened.
func CloseDB() {
	if db != nil {
		_ = db.Close()
		db = nil
	}
}

// RunEvent is one row of run lifecycle history.
type RunEvent struct {
	ID        int    `json:"id"`
	Event     string `json:"event"`
	PID       int    `json:"pid"`
	Profile   string `json:"profile"`
	Mode      string `json:"mode"`
	Command   string `json:"command"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Actor     string `json:"actor"`
	RequestID string `json:"request_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// LogRunEvent records a lifecycle event. exitCode may be nil for events
// that have no exit status yet.
func LogRunEvent(event string, pid int, profile, mode, command string, exitCode *int, actor, requestID string) error {
	if db == nil {
		return fmt.Errorf("db not initialized")
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}
	_, err := db.Exec(`
INSERT INTO run_events(event, pid, profile, mode, command, exit_code, actor, request_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
`, event, pid, profile, mode, command, exitCode, strings.TrimSpace(actor), strings.TrimSpace(requestID))
	return err
}

// GetRunHistory returns the most recent lifecycle events, newest first.
func GetRunHistory(limit int) ([]RunEvent, error) {
	if db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := db.Query(`
SELECT
	id,
	event,
	COALESCE(pid, 0),
	COALESCE(profile, ''),
	COALESCE(mode, ''),
	COALESCE(command, ''),
	exit_code,
	COALESCE(actor, ''),
	COALESCE(request_id, ''),
	COALESCE(created_at, CURRENT_TIMESTAMP)
FROM run_events
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RunEvent, 0, limit)
	for rows.Next() {
		var ev RunEvent
		var exitCode sql.NullInt64
		if err := rows.Scan(
			&ev.ID,
			&ev.Event,
			&ev.PID,
			&ev.Profile,
			&ev.Mode,
			&ev.Command,
			&exitCode,
			&ev.Actor,
			&ev.RequestID,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			ev.ExitCode = &code
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
