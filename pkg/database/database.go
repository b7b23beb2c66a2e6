// Package database owns the authoritative message log: an in-memory
// ordered store (MemStore) with periodic snapshots into SQLite so
// history survives restarts without putting SQLite on the hot path.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrInvalidReply indicates a reply_to that is dangling, forward, or
	// self-referencing. Replies may only target messages that already exist.
	ErrInvalidReply = errors.New("reply target does not exist")
	// ErrEmptyBody indicates a text message whose body is empty or whitespace.
	ErrEmptyBody = errors.New("message body is empty")
)

const kindText = "text"

// Message is one immutable entry in the append-only history log.
type Message struct {
	ID        int64
	Author    string
	Kind      string
	Body      string
	CreatedAt int64 // UnixMilli, strictly increasing across the whole log
	ReplyTo   *int64
	Reply     *ReplySnapshot
}

// ReplySnapshot is the denormalized copy of a replied-to message,
// captured at append time. It outlives a full-history clear.
type ReplySnapshot struct {
	Author string
	Kind   string
	Body   string
}

// DB wraps the SQLite snapshot database.
type DB struct {
	conn      *sql.DB // read connection pool
	writeConn *sql.DB // dedicated write connection (1 connection)
}

// Open opens the SQLite database at the given path and initializes the
// schema if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// WAL allows multiple readers and one writer at the same time
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of failing immediately with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	// Dedicated write connection: exactly 1 connection, no pooling
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if _, err := writeConn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode on write connection: %w", err)
	}

	if _, err := writeConn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to set busy timeout on write connection: %w", err)
	}

	if _, err := writeConn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode on write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes both database connections.
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist.
func (db *DB) initSchema() error {
	schema := `
-- Message snapshot table. Reply snapshot columns are denormalized on
-- purpose: a reply stays renderable after its target is cleared.
CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY,
	author TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'text',
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	reply_to INTEGER,
	reply_author TEXT,
	reply_kind TEXT,
	reply_body TEXT
);

CREATE INDEX IF NOT EXISTS idx_message_created_at ON Message(created_at);

-- Meta carries the ID counter across restarts and clears.
CREATE TABLE IF NOT EXISTS Meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`
	_, err := db.writeConn.Exec(schema)
	return err
}

const lastIDKey = "last_message_id"

// loadLastID reads the persisted ID counter, or 0 if never written.
func (db *DB) loadLastID() (int64, error) {
	var v int64
	err := db.conn.QueryRow(`SELECT value FROM Meta WHERE key = ?`, lastIDKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load id counter: %w", err)
	}
	return v, nil
}

// loadMessages reads the full snapshot in log order.
func (db *DB) loadMessages() ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, author, kind, body, created_at, reply_to, reply_author, reply_kind, reply_body
		FROM Message
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var replyTo sql.NullInt64
		var replyAuthor, replyKind, replyBody sql.NullString

		if err := rows.Scan(&msg.ID, &msg.Author, &msg.Kind, &msg.Body, &msg.CreatedAt,
			&replyTo, &replyAuthor, &replyKind, &replyBody); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		if replyTo.Valid {
			msg.ReplyTo = &replyTo.Int64
			msg.Reply = &ReplySnapshot{
				Author: replyAuthor.String,
				Kind:   replyKind.String,
				Body:   replyBody.String,
			}
		}

		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
