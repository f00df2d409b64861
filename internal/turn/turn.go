// Package turn runs one user→assistant exchange: store the user's message,
// replay the whole conversation to the completion service and store the reply.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/chatbot/internal/config"
	"github.com/comigor/chatbot/internal/history"
	"github.com/comigor/chatbot/internal/llm"
	"github.com/comigor/chatbot/internal/logger"
	"github.com/comigor/chatbot/internal/metrics"
)

var (
	// ErrEmptyInput is returned when the input is blank after trimming.
	ErrEmptyInput = errors.New("turn: input is empty")
	// ErrNoCompletion means the service answered without usable text.
	ErrNoCompletion = errors.New("completion response has no content")
)

// CompletionError reports a failed call to the completion service. The user
// message of the turn has already been stored when it is returned.
type CompletionError struct {
	Model string
	Err   error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion service (%s): %v", e.Model, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// IsBlank reports whether input has nothing but whitespace.
func IsBlank(input string) bool {
	return strings.TrimSpace(input) == ""
}

// MessageStore is the part of history.Store a turn needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, conversationID, content string, isUser bool, metadata history.Metadata) (history.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]history.Message, error)
}

// ToChatMessages maps stored messages to completion messages, keeping order.
func ToChatMessages(msgs []history.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleAssistant
		if m.IsUser {
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// FSM states
type turnState string

const (
	stateIdle               turnState = "Idle"
	stateStoringUserTurn    turnState = "StoringUserTurn"
	stateAwaitingCompletion turnState = "AwaitingCompletion"
	stateStoringReply       turnState = "StoringReply"
	stateDone               turnState = "Done"   // terminal
	stateFailed             turnState = "Failed" // terminal
)

// FSM triggers
type turnTrigger string

const (
	triggerSubmit             turnTrigger = "Submit"
	triggerUserTurnStored     turnTrigger = "UserTurnStored"
	triggerCompletionReceived turnTrigger = "CompletionReceived"
	triggerReplyStored        turnTrigger = "ReplyStored"
	triggerFailed             turnTrigger = "Failed"
)

// Exchanger executes turns against one model.
type Exchanger struct {
	client llm.Client
	store  MessageStore
	model  string
}

// New creates an Exchanger. The model is fixed for its lifetime.
func New(client llm.Client, store MessageStore, cfg config.LLMConfig) *Exchanger {
	model := cfg.Model
	if model == "" {
		model = config.DefaultModel
	}
	return &Exchanger{client: client, store: store, model: model}
}

// Model returns the model replies are requested from.
func (e *Exchanger) Model() string { return e.model }

// run is the data carried through one turn.
type run struct {
	conv      history.Conversation
	input     string
	user      history.Message
	assistant history.Message
	reply     string
	err       error
}

func (e *Exchanger) machine(r *run) *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithMode(stateIdle, stateless.FiringQueued)

	fail := func(ctx context.Context, err error) error {
		r.err = err
		return fsm.FireCtx(ctx, triggerFailed)
	}

	fsm.Configure(stateIdle).
		Permit(triggerSubmit, stateStoringUserTurn)

	// State: StoringUserTurn
	// Action: persist the trimmed input as a user message.
	fsm.Configure(stateStoringUserTurn).
		OnEntry(func(ctx context.Context, _ ...any) error {
			msg, err := e.store.AppendMessage(ctx, r.conv.ID, r.input, true, nil)
			if err != nil {
				return fail(ctx, fmt.Errorf("store user message: %w", err))
			}
			r.user = msg
			return fsm.FireCtx(ctx, triggerUserTurnStored)
		}).
		Permit(triggerUserTurnStored, stateAwaitingCompletion).
		Permit(triggerFailed, stateFailed)

	// State: AwaitingCompletion
	// Action: send the full history, including the new user message.
	fsm.Configure(stateAwaitingCompletion).
		OnEntry(func(ctx context.Context, _ ...any) error {
			msgs, err := e.store.ListMessages(ctx, r.conv.ID)
			if err != nil {
				return fail(ctx, fmt.Errorf("load history: %w", err))
			}

			started := time.Now()
			resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    e.model,
				Messages: ToChatMessages(msgs),
			})
			metrics.CompletionDuration.Observe(time.Since(started).Seconds())
			if err != nil {
				logger.L.Error("completion call failed", "conversation_id", r.conv.ID, "error", err)
				return fail(ctx, &CompletionError{Model: e.model, Err: err})
			}
			if len(resp.Choices) == 0 || IsBlank(resp.Choices[0].Message.Content) {
				logger.L.Error("completion call returned no content", "conversation_id", r.conv.ID, "choices", len(resp.Choices))
				return fail(ctx, &CompletionError{Model: e.model, Err: ErrNoCompletion})
			}
			logger.L.Debug("completion received", "conversation_id", r.conv.ID, "history", len(msgs), "usage", resp.Usage.TotalTokens)
			r.reply = resp.Choices[0].Message.Content
			return fsm.FireCtx(ctx, triggerCompletionReceived)
		}).
		Permit(triggerCompletionReceived, stateStoringReply).
		Permit(triggerFailed, stateFailed)

	// State: StoringReply
	// Action: persist the reply, recording which model produced it.
	fsm.Configure(stateStoringReply).
		OnEntry(func(ctx context.Context, _ ...any) error {
			msg, err := e.store.AppendMessage(ctx, r.conv.ID, r.reply, false, history.Metadata{"model": e.model})
			if err != nil {
				return fail(ctx, fmt.Errorf("store reply: %w", err))
			}
			r.assistant = msg
			return fsm.FireCtx(ctx, triggerReplyStored)
		}).
		Permit(triggerReplyStored, stateDone).
		Permit(triggerFailed, stateFailed)

	fsm.Configure(stateDone)
	fsm.Configure(stateFailed)

	return fsm
}

// Execute runs one turn and returns the stored user and assistant messages.
// Blank input yields ErrEmptyInput and stores nothing. When the completion
// call fails the error is a *CompletionError and the user message stays
// stored; it is returned alongside the error.
func (e *Exchanger) Execute(ctx context.Context, conv history.Conversation, input string) (history.Message, history.Message, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return history.Message{}, history.Message{}, ErrEmptyInput
	}

	r := &run{conv: conv, input: input}
	fsm := e.machine(r)

	if err := fsm.FireCtx(ctx, triggerSubmit); err != nil {
		logger.L.Warn("turn state machine error", "conversation_id", conv.ID, "error", err)
		if r.err == nil {
			r.err = fmt.Errorf("turn: %w", err)
		}
	}

	state, err := fsm.State(ctx)
	if err != nil {
		return r.user, history.Message{}, fmt.Errorf("turn: %w", err)
	}
	if state == stateDone && r.err == nil {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		logger.L.Info("turn completed", "conversation_id", conv.ID, "reply", r.assistant.Preview())
		return r.user, r.assistant, nil
	}

	if r.err == nil {
		r.err = fmt.Errorf("turn ended in state %v", state)
	}
	var cerr *CompletionError
	if errors.As(r.err, &cerr) {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeCompletionError).Inc()
	} else {
		metrics.TurnsTotal.WithLabelValues(metrics.OutcomeStoreError).Inc()
	}
	return r.user, history.Message{}, r.err
}
