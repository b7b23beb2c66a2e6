package database

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
)

// MemStore is the authoritative in-memory message log with periodic
// SQLite snapshots. Append, page, and clear are linearizable: each runs
// under one lock acquisition, so a reader never observes a half-applied
// clear or a reply missing its snapshot.
type MemStore struct {
	mu sync.RWMutex

	messages []*Message         // ascending by ID, which is also ascending by CreatedAt
	byID     map[int64]*Message

	lastID int64 // last assigned identifier, never reused, survives ClearAll
	lastTS int64 // last assigned timestamp, bumped to stay strictly increasing

	// Dirty tracking for incremental snapshots
	dirty        map[int64]bool
	clearPending bool
	clearGen     uint64

	sqliteDB         *DB
	snapshotInterval time.Duration
	shutdown         chan struct{}
	wg               sync.WaitGroup
}

// NewMemStore loads the snapshot state from SQLite and starts the
// background snapshot goroutine.
func NewMemStore(sqliteDB *DB, snapshotInterval time.Duration) (*MemStore, error) {
	m := &MemStore{
		byID:             make(map[int64]*Message),
		dirty:            make(map[int64]bool),
		sqliteDB:         sqliteDB,
		snapshotInterval: snapshotInterval,
		shutdown:         make(chan struct{}),
	}

	start := time.Now()
	if err := m.loadFromSQLite(); err != nil {
		return nil, fmt.Errorf("failed to load from SQLite: %w", err)
	}

	m.wg.Add(1)
	go m.snapshotLoop()

	logger.L().Info().
		Int("messages", len(m.messages)).
		Int64("last_id", m.lastID).
		Dur("elapsed", time.Since(start)).
		Msg("memstore loaded")

	return m, nil
}

// loadFromSQLite restores the log and the ID counter.
func (m *MemStore) loadFromSQLite() error {
	messages, err := m.sqliteDB.loadMessages()
	if err != nil {
		return err
	}

	for _, msg := range messages {
		m.messages = append(m.messages, msg)
		m.byID[msg.ID] = msg
		if msg.ID > m.lastID {
			m.lastID = msg.ID
		}
		if msg.CreatedAt > m.lastTS {
			m.lastTS = msg.CreatedAt
		}
	}

	// The persisted counter outruns the row max after a clear.
	metaLast, err := m.sqliteDB.loadLastID()
	if err != nil {
		return err
	}
	if metaLast > m.lastID {
		m.lastID = metaLast
	}

	return nil
}

// Close stops the snapshot loop after a final flush. The underlying
// SQLite handle is owned by the caller and stays open.
func (m *MemStore) Close() error {
	close(m.shutdown)
	m.wg.Wait()
	return nil
}

// Append validates and appends one message, assigning the next
// identifier and a strictly increasing timestamp. The reply snapshot is
// captured in the same critical section as the insert.
func (m *MemStore) Append(author, kind, body string, replyTo *int64) (*Message, error) {
	if kind == "" {
		kind = kindText
	}
	if kind == kindText && strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot *ReplySnapshot
	if replyTo != nil {
		// Forward and self references fail the same lookup: their
		// identifiers have not been assigned yet.
		target, ok := m.byID[*replyTo]
		if !ok {
			return nil, ErrInvalidReply
		}
		snapshot = &ReplySnapshot{Author: target.Author, Kind: target.Kind, Body: target.Body}
		rt := *replyTo
		replyTo = &rt
	}

	m.lastID++
	now := nowMillis()
	if now <= m.lastTS {
		now = m.lastTS + 1
	}
	m.lastTS = now

	msg := &Message{
		ID:        m.lastID,
		Author:    author,
		Kind:      kind,
		Body:      body,
		CreatedAt: now,
		ReplyTo:   replyTo,
		Reply:     snapshot,
	}

	m.messages = append(m.messages, msg)
	m.byID[msg.ID] = msg
	m.dirty[msg.ID] = true

	out := *msg
	return &out, nil
}

// PageBefore returns up to limit messages with CreatedAt strictly less
// than beforeTS, oldest to newest, plus whether older messages remain.
func (m *MemStore) PageBefore(beforeTS int64, limit int) ([]Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	end := sort.Search(len(m.messages), func(i int) bool {
		return m.messages[i].CreatedAt >= beforeTS
	})
	return m.pageRange(end, limit)
}

// Tail returns the most recent limit messages, oldest to newest, plus
// whether older messages remain. Used for the initial page load.
func (m *MemStore) Tail(limit int) ([]Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.pageRange(len(m.messages), limit)
}

// pageRange copies out messages[start:end] where start = end-limit,
// clamped to the log. Caller must hold at least the read lock.
func (m *MemStore) pageRange(end, limit int) ([]Message, bool) {
	if limit < 0 {
		limit = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	page := make([]Message, 0, end-start)
	for _, msg := range m.messages[start:end] {
		page = append(page, *msg)
	}
	return page, start > 0
}

// ClearAll atomically empties the log. The identifier counter is not
// reset, so cleared identifiers are never reassigned.
func (m *MemStore) ClearAll() {
	m.mu.Lock()
	count := len(m.messages)
	m.messages = nil
	m.byID = make(map[int64]*Message)
	m.dirty = make(map[int64]bool)
	m.clearPending = true
	m.clearGen++
	m.mu.Unlock()

	logger.L().Info().Int("cleared", count).Msg("message history cleared")
}

// StoreStats summarizes the log for metrics and the health surface.
type StoreStats struct {
	Messages int
	OldestTS int64
	NewestTS int64
}

// Stats returns a consistent view of the log size and bounds.
func (m *MemStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := StoreStats{Messages: len(m.messages)}
	if len(m.messages) > 0 {
		s.OldestTS = m.messages[0].CreatedAt
		s.NewestTS = m.messages[len(m.messages)-1].CreatedAt
	}
	return s
}

// snapshotLoop periodically flushes dirty state to SQLite.
func (m *MemStore) snapshotLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.snapshot(); err != nil {
				logger.L().Error().Err(err).Msg("memstore snapshot failed")
			}
		case <-m.shutdown:
			// Final snapshot on shutdown
			if err := m.snapshot(); err != nil {
				logger.L().Error().Err(err).Msg("memstore final snapshot failed")
			}
			return
		}
	}
}

// snapshot writes pending state to SQLite: a pending clear first, then
// dirty messages in ID order, then the ID counter, all in one
// transaction. Messages are immutable, so sharing pointers outside the
// lock is safe.
func (m *MemStore) snapshot() error {
	start := time.Now()

	m.mu.RLock()
	gen := m.clearGen
	pendingClear := m.clearPending
	lastID := m.lastID
	dirtyIDs := make([]int64, 0, len(m.dirty))
	toWrite := make([]*Message, 0, len(m.dirty))
	for id := range m.dirty {
		dirtyIDs = append(dirtyIDs, id)
		if msg, ok := m.byID[id]; ok {
			toWrite = append(toWrite, msg)
		}
	}
	m.mu.RUnlock()

	if !pendingClear && len(toWrite) == 0 {
		return nil
	}

	sort.Slice(toWrite, func(i, j int) bool {
		return toWrite[i].ID < toWrite[j].ID
	})

	tx, err := m.sqliteDB.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if pendingClear {
		if _, err := tx.Exec(`DELETE FROM Message`); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
	}

	if len(toWrite) > 0 {
		if err := batchInsertMessages(tx, toWrite); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO Meta (key, value) VALUES (?, ?)`, lastIDKey, lastID); err != nil {
		return fmt.Errorf("failed to persist id counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	// Reclaim file space after a clear. VACUUM cannot run inside the
	// transaction above.
	if pendingClear {
		if _, err := m.sqliteDB.writeConn.Exec("VACUUM"); err != nil {
			logger.L().Warn().Err(err).Msg("vacuum after clear failed")
		}
	}

	m.mu.Lock()
	if m.clearGen == gen {
		m.clearPending = false
	}
	// A clear that raced this snapshot replaced the dirty map; deleting
	// the collected IDs from the new map is a no-op.
	for _, id := range dirtyIDs {
		delete(m.dirty, id)
	}
	m.mu.Unlock()

	logger.L().Debug().
		Int("written", len(toWrite)).
		Bool("cleared", pendingClear).
		Dur("elapsed", time.Since(start)).
		Msg("memstore snapshot")
	return nil
}

// batchInsertMessages performs batched INSERT OR REPLACE statements.
// Batches of 500 keep statement size well under SQLite's parameter
// limit while amortizing parse overhead.
func batchInsertMessages(tx *sql.Tx, messages []*Message) error {
	const fieldsPerMessage = 9
	const batchSize = 500

	for i := 0; i < len(messages); i += batchSize {
		end := i + batchSize
		if end > len(messages) {
			end = len(messages)
		}
		batch := messages[i:end]

		var queryBuilder strings.Builder
		queryBuilder.WriteString(`INSERT OR REPLACE INTO Message
			(id, author, kind, body, created_at, reply_to, reply_author, reply_kind, reply_body)
			VALUES `)

		args := make([]interface{}, 0, len(batch)*fieldsPerMessage)
		for j, msg := range batch {
			if j > 0 {
				queryBuilder.WriteString(", ")
			}
			queryBuilder.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")

			var replyTo, replyAuthor, replyKind, replyBody interface{}
			if msg.ReplyTo != nil {
				replyTo = *msg.ReplyTo
			}
			if msg.Reply != nil {
				replyAuthor = msg.Reply.Author
				replyKind = msg.Reply.Kind
				replyBody = msg.Reply.Body
			}

			args = append(args,
				msg.ID, msg.Author, msg.Kind, msg.Body, msg.CreatedAt,
				replyTo, replyAuthor, replyKind, replyBody,
			)
		}

		if _, err := tx.Exec(queryBuilder.String(), args...); err != nil {
			return fmt.Errorf("failed to execute batch insert: %w", err)
		}
	}

	return nil
}
