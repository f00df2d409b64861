package turn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/chatbot/internal/config"
	"github.com/comigor/chatbot/internal/history"
)

var ctx = context.Background()

type mockLLM struct {
	calls    []openai.ChatCompletionResponse
	err      error
	requests []openai.ChatCompletionRequest
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, r)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	if len(m.calls) == 0 {
		panic("mockLLM: no more responses configured")
	}
	resp := m.calls[0]
	m.calls = m.calls[1:]
	return resp, nil
}

func reply(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}}},
	}
}

func setup(t *testing.T, client *mockLLM) (*Exchanger, *history.Store, history.Conversation) {
	t.Helper()
	store, err := history.Open(config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "chat.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conv, err := store.CreateConversation(ctx)
	require.NoError(t, err)

	return New(client, store, config.LLMConfig{Model: "gpt-test"}), store, conv
}

func TestExecute_StoresBothTurns(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{reply("Hi there")}}
	ex, store, conv := setup(t, client)

	user, assistant, err := ex.Execute(ctx, conv, "Hello")
	require.NoError(t, err)
	require.True(t, user.IsUser)
	require.Equal(t, "Hello", user.Content)
	require.False(t, assistant.IsUser)
	require.Equal(t, "Hi there", assistant.Content)
	require.Equal(t, "gpt-test", assistant.Metadata["model"])

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "Hello", msgs[0].Content)
	require.True(t, msgs[0].IsUser)
	require.Equal(t, "Hi there", msgs[1].Content)
	require.False(t, msgs[1].IsUser)
	require.Equal(t, "gpt-test", msgs[1].Metadata["model"])

	require.Len(t, client.requests, 1)
	require.Equal(t, "gpt-test", client.requests[0].Model)
	require.Equal(t, []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "Hello"}}, client.requests[0].Messages)
}

func TestExecute_TrimsInput(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{reply("ok")}}
	ex, _, conv := setup(t, client)

	user, _, err := ex.Execute(ctx, conv, "  spaced out \n")
	require.NoError(t, err)
	require.Equal(t, "spaced out", user.Content)
}

func TestExecute_SendsFullHistory(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{reply("first answer"), reply("second answer"), reply("third answer")}}
	ex, _, conv := setup(t, client)

	for i := 1; i <= 3; i++ {
		_, _, err := ex.Execute(ctx, conv, fmt.Sprintf("question %d", i))
		require.NoError(t, err)
	}

	last := client.requests[2].Messages
	require.Equal(t, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "question 1"},
		{Role: openai.ChatMessageRoleAssistant, Content: "first answer"},
		{Role: openai.ChatMessageRoleUser, Content: "question 2"},
		{Role: openai.ChatMessageRoleAssistant, Content: "second answer"},
		{Role: openai.ChatMessageRoleUser, Content: "question 3"},
	}, last)
}

func TestExecute_BlankInputStoresNothing(t *testing.T) {
	client := &mockLLM{}
	ex, store, conv := setup(t, client)

	for _, in := range []string{"", "   ", "\t\n"} {
		require.True(t, IsBlank(in))
		_, _, err := ex.Execute(ctx, conv, in)
		require.ErrorIs(t, err, ErrEmptyInput)
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.Empty(t, client.requests)
}

func TestExecute_CompletionFailureKeepsUserMessage(t *testing.T) {
	client := &mockLLM{err: context.DeadlineExceeded}
	ex, store, conv := setup(t, client)

	user, assistant, err := ex.Execute(ctx, conv, "ping")
	require.Error(t, err)

	var cerr *CompletionError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, "gpt-test", cerr.Model)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Equal(t, "ping", user.Content)
	require.Empty(t, assistant.ID)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "ping", msgs[0].Content)
	require.True(t, msgs[0].IsUser)
}

func TestExecute_EmptyCompletionIsAnError(t *testing.T) {
	client := &mockLLM{calls: []openai.ChatCompletionResponse{{}, reply("  ")}}
	ex, store, conv := setup(t, client)

	_, _, err := ex.Execute(ctx, conv, "no choices")
	require.ErrorIs(t, err, ErrNoCompletion)

	_, _, err = ex.Execute(ctx, conv, "blank choice")
	require.ErrorIs(t, err, ErrNoCompletion)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.True(t, m.IsUser)
	}
}

func TestExecute_RetryAfterFailureIncludesUnansweredTurn(t *testing.T) {
	client := &mockLLM{err: errors.New("connection reset")}
	ex, _, conv := setup(t, client)

	_, _, err := ex.Execute(ctx, conv, "ping")
	require.Error(t, err)

	client.err = nil
	client.calls = []openai.ChatCompletionResponse{reply("pong")}
	_, assistant, err := ex.Execute(ctx, conv, "ping again")
	require.NoError(t, err)
	require.Equal(t, "pong", assistant.Content)

	require.Equal(t, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "ping"},
		{Role: openai.ChatMessageRoleUser, Content: "ping again"},
	}, client.requests[1].Messages)
}

func TestExecute_UnknownConversation(t *testing.T) {
	client := &mockLLM{}
	ex, _, _ := setup(t, client)

	_, _, err := ex.Execute(ctx, history.Conversation{ID: "gone"}, "hello")
	require.ErrorIs(t, err, history.ErrNotFound)

	var cerr *CompletionError
	require.False(t, errors.As(err, &cerr))
	require.Empty(t, client.requests)
}

func TestToChatMessages_PreservesOrderAndRoles(t *testing.T) {
	var msgs []history.Message
	for i := 0; i < 7; i++ {
		msgs = append(msgs, history.Message{Content: fmt.Sprintf("m%d", i), IsUser: i%2 == 0})
	}

	out := ToChatMessages(msgs)
	require.Len(t, out, len(msgs))
	for i, m := range out {
		require.Equal(t, msgs[i].Content, m.Content)
		if msgs[i].IsUser {
			require.Equal(t, "user", m.Role)
		} else {
			require.Equal(t, "assistant", m.Role)
		}
	}

	require.Empty(t, ToChatMessages(nil))
}

func TestNew_DefaultModel(t *testing.T) {
	ex := New(&mockLLM{}, nil, config.LLMConfig{})
	require.Equal(t, config.DefaultModel, ex.Model())
}
