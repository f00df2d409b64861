// Package history persists conversations and their messages in SQLite or
// PostgreSQL. Timestamps are stored as UTC unix nanoseconds so that both
// backends order them the same way.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"

	"github.com/comigor/chatbot/internal/config"
	"github.com/comigor/chatbot/internal/logger"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

var schemas = map[dialect][]string{
	dialectSQLite: {
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			is_user BOOLEAN NOT NULL,
			created_at INTEGER NOT NULL,
			metadata TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, id);`,
	},
	dialectPostgres: {
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			is_user BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL,
			metadata JSONB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, id);`,
	},
}

// Store is the conversation store. It is safe for concurrent use; it does not
// serialise turns on the same conversation.
type Store struct {
	db           *sql.DB
	dialect      dialect
	defaultTitle string
	now          func() time.Time
}

// Open connects to the configured database and creates the tables if needed.
func Open(cfg config.StorageConfig) (*Store, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		d = dialectSQLite
		db, err = sql.Open("sqlite", sqliteDSN(cfg.DSN))
		if err == nil {
			// one writer at a time; avoids SQLITE_BUSY between pooled connections
			db.SetMaxOpenConns(1)
		}
	case "postgres":
		d = dialectPostgres
		db, err = sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	title := cfg.DefaultTitle
	if title == "" {
		title = config.DefaultTitle
	}
	s := &Store{db: db, dialect: d, defaultTitle: title, now: time.Now}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.L.Info("conversation store initialized", "driver", cfg.Driver)
	return s, nil
}

var sqlitePragmas = []struct{ name, value string }{
	{"foreign_keys", "foreign_keys(1)"},
	{"busy_timeout", "busy_timeout(10000)"},
}

// sqliteDSN turns a path or file: URI into a DSN that enables the pragmas the
// store relies on, keeping any the caller already set.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "chat.db"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	for _, p := range sqlitePragmas {
		if strings.Contains(dsn, "_pragma="+p.name+"(") {
			continue
		}
		sep := "&"
		if !strings.Contains(dsn, "?") {
			sep = "?"
		}
		dsn += sep + "_pragma=" + p.value
	}
	return dsn
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemas[s.dialect] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// CreateConversation inserts a conversation with the default title.
func (s *Store) CreateConversation(ctx context.Context) (Conversation, error) {
	now := s.now().UTC()
	c := Conversation{
		ID:        newConversationID(),
		Title:     s.defaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?,?,?,?);`),
		c.ID, c.Title, toNanos(now), toNanos(now))
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	logger.L.Debug("conversation created", "conversation_id", c.ID)
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c                Conversation
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return c, nil
}

// GetConversation returns ErrNotFound when id is unknown.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?;`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns every conversation, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC, id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE id = ?;`), id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AppendMessage stores a message and bumps the conversation's updated_at in
// the same transaction. Content that is empty after trimming is rejected with
// ErrEmptyContent before touching the database.
func (s *Store) AppendMessage(ctx context.Context, conversationID, content string, isUser bool, metadata Metadata) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}

	now := s.now().UTC()
	m := Message{
		ID:             newMessageID(now),
		ConversationID: conversationID,
		Content:        content,
		IsUser:         isUser,
		Timestamp:      now,
		Metadata:       metadata,
	}

	meta, err := m.Metadata.Value()
	if err != nil {
		return Message{}, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?;`), toNanos(now), conversationID)
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if n == 0 {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO messages (id, conversation_id, content, is_user, created_at, metadata) VALUES (?,?,?,?,?,?);`),
		m.ID, m.ConversationID, m.Content, m.IsUser, toNanos(now), meta)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	logger.L.Debug("message stored", "conversation_id", conversationID, "message", m.Preview())
	return m, nil
}

// ListMessages returns the messages of a conversation ordered by (timestamp,
// id). A conversation without turns yields an empty slice.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, conversation_id, content, is_user, created_at, metadata FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC;`),
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.IsUser, &ts, &m.Metadata); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = fromNanos(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
