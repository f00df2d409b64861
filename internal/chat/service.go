// Package chat exposes the entry points the web layer calls: view the
// session's conversation, submit a turn and reset the session.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/chatbot/internal/history"
	"github.com/comigor/chatbot/internal/session"
	"github.com/comigor/chatbot/internal/turn"
)

// Page is what a view renders: the active conversation and its messages.
type Page struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []history.Message `json:"messages"`
}

// MessageLister lists the messages of a conversation in order.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string) ([]history.Message, error)
}

// Service wires session binding, turns and the message list together.
type Service struct {
	binder    *session.Binder
	exchanger *turn.Exchanger
	messages  MessageLister
}

// NewService creates a Service.
func NewService(binder *session.Binder, exchanger *turn.Exchanger, messages MessageLister) *Service {
	return &Service{binder: binder, exchanger: exchanger, messages: messages}
}

// View returns the session's conversation, creating it when needed. The
// returned state must be persisted by the caller.
func (s *Service) View(ctx context.Context, st session.State) (Page, session.State, error) {
	conv, st, err := s.binder.Resolve(ctx, st)
	if err != nil {
		return Page{}, st, err
	}
	page, err := s.page(ctx, conv.ID)
	return page, st, err
}

// Submit runs a turn with input. Blank input is a plain View. If the
// completion service fails, the page (with the unanswered user message) is
// returned together with a *turn.CompletionError.
func (s *Service) Submit(ctx context.Context, st session.State, input string) (Page, session.State, error) {
	if turn.IsBlank(input) {
		return s.View(ctx, st)
	}

	conv, st, err := s.binder.Resolve(ctx, st)
	if err != nil {
		return Page{}, st, err
	}

	_, _, turnErr := s.exchanger.Execute(ctx, conv, input)
	var cerr *turn.CompletionError
	if turnErr != nil && !errors.As(turnErr, &cerr) {
		return Page{}, st, fmt.Errorf("submit turn: %w", turnErr)
	}

	page, err := s.page(ctx, conv.ID)
	if err != nil {
		return Page{}, st, err
	}
	return page, st, turnErr
}

// Reset forgets the session's conversation without deleting it.
func (s *Service) Reset(st session.State) session.State {
	return s.binder.Clear(st)
}

func (s *Service) page(ctx context.Context, conversationID string) (Page, error) {
	msgs, err := s.messages.ListMessages(ctx, conversationID)
	if err != nil {
		return Page{}, err
	}
	return Page{ConversationID: conversationID, Messages: msgs}, nil
}
