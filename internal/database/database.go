// Package database owns the SQLite connection and schema for the
// conversation log.
package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
}

// New opens (or creates) the SQLite database at path. ":memory:" works for
// tests.
func New(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{db}, nil
}

// Initialize creates the schema if it does not exist.
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id         TEXT PRIMARY KEY,
		server     TEXT NOT NULL,
		channel    TEXT NOT NULL,
		persona    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_persona
		ON chat_sessions(server, channel, persona);

	CREATE TABLE IF NOT EXISTS turns (
		id              TEXT PRIMARY KEY, -- ULID, lexicographic order is arrival order
		session_id      TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		author_id       TEXT NOT NULL DEFAULT '',
		author_name     TEXT NOT NULL DEFAULT '',
		reply_target_id TEXT NOT NULL DEFAULT '',
		candidate_idx   INTEGER NOT NULL DEFAULT 0,
		tool_calls      TEXT NOT NULL DEFAULT '', -- JSON array, empty when none
		created_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);

	CREATE TABLE IF NOT EXISTS candidates (
		id         TEXT PRIMARY KEY,
		turn_id    TEXT NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
		idx        INTEGER NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(turn_id, idx)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
