// Package session binds a client session to its single active conversation.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/chatbot/internal/history"
	"github.com/comigor/chatbot/internal/logger"
	"github.com/comigor/chatbot/internal/metrics"
)

// State is the session-scoped value the web layer keeps for a client.
type State struct {
	ConversationID string
}

// Bound reports whether the state names a conversation.
func (s State) Bound() bool { return s.ConversationID != "" }

// ConversationStore is the part of history.Store the binder needs.
type ConversationStore interface {
	CreateConversation(ctx context.Context) (history.Conversation, error)
	GetConversation(ctx context.Context, id string) (history.Conversation, error)
}

// Binder resolves session state to a conversation.
type Binder struct {
	store ConversationStore
}

// NewBinder creates a Binder backed by store.
func NewBinder(store ConversationStore) *Binder {
	return &Binder{store: store}
}

// Resolve returns the conversation bound to st along with the state to
// persist. An unbound state, or one pointing at a conversation that no longer
// exists, gets a fresh conversation. Only storage failures are returned.
func (b *Binder) Resolve(ctx context.Context, st State) (history.Conversation, State, error) {
	reason := "new"
	if st.Bound() {
		conv, err := b.store.GetConversation(ctx, st.ConversationID)
		if err == nil {
			return conv, st, nil
		}
		if !errors.Is(err, history.ErrNotFound) {
			return history.Conversation{}, st, fmt.Errorf("resolve session: %w", err)
		}
		logger.L.Info("session bound to missing conversation; starting a new one", "conversation_id", st.ConversationID)
		reason = "stale"
	}

	conv, err := b.store.CreateConversation(ctx)
	if err != nil {
		return history.Conversation{}, st, fmt.Errorf("resolve session: %w", err)
	}
	metrics.ConversationsCreated.WithLabelValues(reason).Inc()
	return conv, State{ConversationID: conv.ID}, nil
}

// Clear drops the binding. The conversation itself is left untouched.
func (b *Binder) Clear(st State) State {
	if st.Bound() {
		logger.L.Debug("session binding cleared", "conversation_id", st.ConversationID)
	}
	return State{}
}
