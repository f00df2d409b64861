package history

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a conversation id does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrEmptyContent is returned when a message has no visible text.
	ErrEmptyContent = errors.New("message content must not be empty")
)

// Conversation groups the messages of one chat.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single turn, written either by the user or by the assistant.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	IsUser         bool      `json:"is_user"`
	Timestamp      time.Time `json:"timestamp"`
	Metadata       Metadata  `json:"metadata,omitempty"`
}

const previewLen = 50

// Preview returns a one-line label for logs, e.g. `User: Hello`.
func (m Message) Preview() string {
	sender := "Assistant"
	if m.IsUser {
		sender = "User"
	}
	content := m.Content
	if r := []rune(content); len(r) > previewLen {
		content = string(r[:previewLen]) + "..."
	}
	return sender + ": " + content
}

// Metadata is an optional JSON object attached to a message.
type Metadata map[string]any

// Value implements driver.Valuer. Empty metadata is stored as NULL.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}
