package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists conversation messages in SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the timestamp source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id INTEGER NOT NULL,
			sender_label TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
			processed INTEGER NOT NULL DEFAULT 0,
			sent INTEGER NOT NULL DEFAULT 0,
			chunks_sent INTEGER NOT NULL DEFAULT 0,
			platform_update_id INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unsent ON messages(direction, sent, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_update
			ON messages(conversation_id, platform_update_id)
			WHERE platform_update_id != 0`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Append inserts m and returns it with ID, Seq and CreatedAt assigned.
// CreatedAt is strictly greater than every earlier message of the same
// conversation.
func (s *Store) Append(ctx context.Context, m Message) (Message, error) {
	if m.Direction != Inbound && m.Direction != Outbound {
		return Message{}, fmt.Errorf("append message: invalid direction %q", m.Direction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.PlatformUpdateID != 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM messages WHERE conversation_id = ? AND platform_update_id = ?`,
			m.ConversationID, m.PlatformUpdateID,
		).Scan(&exists)
		if err != nil {
			return Message{}, fmt.Errorf("check duplicate: %w", err)
		}
		if exists > 0 {
			return Message{}, ErrDuplicate
		}
	}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`, m.ConversationID,
	).Scan(&last); err != nil {
		return Message{}, fmt.Errorf("read last timestamp: %w", err)
	}
	ts := s.now().UTC().UnixNano()
	if last.Valid && ts <= last.Int64 {
		ts = last.Int64 + 1
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_label, text, direction,
			processed, sent, chunks_sent, platform_update_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderLabel, m.Text, string(m.Direction),
		boolToInt(m.Processed), boolToInt(m.Sent), m.ChunksSent, m.PlatformUpdateID, ts,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	m.Seq = seq
	m.CreatedAt = time.Unix(0, ts).UTC()
	return m, nil
}

// FetchRecentHistory returns the last limit messages of a conversation,
// both directions, oldest first.
func (s *Store) FetchRecentHistory(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT * FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FindInbound returns the inbound message recorded for a platform update.
func (s *Store) FindInbound(ctx context.Context, conversationID, updateID int64) (Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND platform_update_id = ? AND direction = 'inbound'`,
		conversationID, updateID,
	)
	if err != nil {
		return Message{}, fmt.Errorf("find inbound: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}

// HasReplyAfter reports whether the conversation has an outbound reply
// created after the given time. Heartbeat alerts do not count.
func (s *Store) HasReplyAfter(ctx context.Context, conversationID int64, after time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages
		WHERE conversation_id = ? AND direction = 'outbound' AND created_at > ? AND sender_label != ?`,
		conversationID, after.UTC().UnixNano(), HeartbeatSender,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check reply: %w", err)
	}
	return n > 0, nil
}

// ListUnsentOutbound returns outbound messages not yet fully delivered,
// oldest first.
func (s *Store) ListUnsentOutbound(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE direction = 'outbound' AND sent = 0
		ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unsent: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListSince returns the messages of a conversation created at or after since.
func (s *Store) ListSince(ctx context.Context, conversationID int64, since time.Time) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND created_at >= ?
		ORDER BY created_at ASC, seq ASC`,
		conversationID, since.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("list since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkSent flags a message as fully delivered. Repeating it is a no-op.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.update(ctx, "mark sent", `UPDATE messages SET sent = 1 WHERE id = ?`, id)
}

// MarkProgress records how many chunks of an outbound message went out.
func (s *Store) MarkProgress(ctx context.Context, id string, chunksSent int) error {
	return s.update(ctx, "mark progress", `UPDATE messages SET chunks_sent = ? WHERE id = ?`, chunksSent, id)
}

func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	return s.update(ctx, "mark processed", `UPDATE messages SET processed = 1 WHERE id = ?`, id)
}

func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN direction = 'inbound' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'outbound' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'outbound' AND sent = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'inbound' AND processed = 0 THEN 1 ELSE 0 END), 0)
		FROM messages`,
	).Scan(&st.Inbound, &st.Outbound, &st.UnsentPending, &st.Unprocessed)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func (s *Store) update(ctx context.Context, op, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

const messageColumns = `seq, id, conversation_id, sender_label, text, direction,
	processed, sent, chunks_sent, platform_update_id, created_at`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := make([]Message, 0)
	for rows.Next() {
		var (
			m         Message
			direction string
			processed int
			sent      int
			createdAt int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.SenderLabel, &m.Text, &direction,
			&processed, &sent, &m.ChunksSent, &m.PlatformUpdateID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = Direction(direction)
		m.Processed = processed == 1
		m.Sent = sent == 1
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
