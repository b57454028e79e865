// Package messagestore is the durable, SQLite-backed inbox: point-to-point
// messages and handoffs between accounts, with unread/paged retrieval and
// time-based archival.
//
// The schema is created with CREATE TABLE IF NOT EXISTS statements and
// rows are written with plain INSERTs; there is no column-existence
// migration check and no upsert. The sentinel-error wrapping follows
// internal/storage/sqlite/errors.go.
//
// The teacher's own durable storage backend is Dolt over the MySQL wire
// protocol (github.com/dolthub/driver, github.com/go-sql-driver/mysql) —
// a multi-user server, not an embedded single-file database. The spec
// calls for an embedded engine, so this package uses modernc.org/sqlite
// instead, the pure-Go SQLite driver two other repos in the pack
// (madhatter5501-Factory, nugget-thane-ai-agent) depend on for exactly
// this shape of local, single-file store.
package messagestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hubd/hubd/internal/model"
)

// Sentinel errors for common conditions, following the teacher's
// internal/storage/sqlite/errors.go convention.
var (
	ErrNotFound = errors.New("message not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	read INTEGER NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	context_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(recipient, read, archived);
`

// Store is a SQLite-backed message inbox.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the message store at path and applies
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapDBError("open", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, wrapDBError("migrate", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts msg, assigning a uuid and defaulting read/archived to false.
// Returns the assigned id.
func (s *Store) Add(ctx context.Context, msg model.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ctxJSON, err := json.Marshal(msg.Context)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender, recipient, kind, content, timestamp, read, archived, context_json)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
	`, msg.ID, msg.From, msg.To, string(msg.Kind), msg.Content, msg.Timestamp.UnixMilli(), string(ctxJSON))
	if err != nil {
		return "", wrapDBError("add message", err)
	}
	return msg.ID, nil
}

// Unread returns every unread, non-archived message addressed to account,
// ordered by timestamp ascending.
func (s *Store) Unread(ctx context.Context, account string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, kind, content, timestamp, read, archived, context_json
		FROM messages
		WHERE recipient = ? AND read = 0 AND archived = 0
		ORDER BY timestamp ASC
	`, account)
	if err != nil {
		return nil, wrapDBError("query unread", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// Paged returns up to limit messages addressed to account (including read
// ones), ordered newest-first, skipping the first offset rows.
func (s *Store) Paged(ctx context.Context, account string, limit, offset int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, kind, content, timestamp, read, archived, context_json
		FROM messages
		WHERE recipient = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, account, limit, offset)
	if err != nil {
		return nil, wrapDBError("query paged", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessages(rows)
}

// GetByID returns a single message by id, regardless of read/archived
// state. Used to recover the original handoff payload a task was
// created from, since the task board stores only a title and a
// reference to this message, not the full payload.
func (s *Store) GetByID(ctx context.Context, id string) (model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, kind, content, timestamp, read, archived, context_json
		FROM messages WHERE id = ?
	`, id)
	if err != nil {
		return model.Message{}, wrapDBError("query by id", err)
	}
	defer func() { _ = rows.Close() }()
	msgs, err := scanMessages(rows)
	if err != nil {
		return model.Message{}, err
	}
	if len(msgs) == 0 {
		return model.Message{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return msgs[0], nil
}

// MarkAllRead sets read=true for every unread, non-archived message
// addressed to account. Idempotent: calling it twice in a row leaves
// Unread(account) empty both times.
func (s *Store) MarkAllRead(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = 1 WHERE recipient = ? AND read = 0 AND archived = 0
	`, account)
	return wrapDBError("mark all read", err)
}

// ArchiveOld marks archived=true for read messages older than days and
// returns how many rows it touched. Unread messages are never archived by
// this call regardless of age.
func (s *Store) ArchiveOld(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET archived = 1
		WHERE read = 1 AND archived = 0 AND timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, wrapDBError("archive old", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("archive old rows affected", err)
	}
	return int(n), nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var (
			m            model.Message
			tsMillis     int64
			read         int
			archived     int
			ctxJSON      string
		)
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Kind, &m.Content, &tsMillis, &read, &archived, &ctxJSON); err != nil {
			return nil, wrapDBError("scan message", err)
		}
		m.Timestamp = time.UnixMilli(tsMillis)
		m.Read = read != 0
		m.Archived = archived != 0
		if ctxJSON != "" {
			_ = json.Unmarshal([]byte(ctxJSON), &m.Context)
		}
		out = append(out, m)
	}
	return out, wrapDBError("iterate messages", rows.Err())
}

func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
