package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}}}
}

func TestGenerateText_Success(t *testing.T) {
	mock := &mockChatService{resp: reply("  Hello World\n")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.1, maxCompletionTokens: 100}

	out, err := client.GenerateText(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", out)
	assert.Len(t, mock.params.Messages, 2)
	assert.Equal(t, "test-model", string(mock.params.Model))
}

func TestGenerateText_NoSystemPrompt(t *testing.T) {
	mock := &mockChatService{resp: reply("ok")}
	client := &Client{chat: mock, model: "m"}
	_, err := client.GenerateText(context.Background(), "", "user prompt")
	require.NoError(t, err)
	assert.Len(t, mock.params.Messages, 1)
}

func TestGenerateText_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateText(context.Background(), "sys", "usr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service failure")
}

func TestGenerateText_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.GenerateText(context.Background(), "sys", "usr")
	assert.ErrorIs(t, err, ErrNoChoicesReturned)
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	assert.Error(t, err)
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cli.model)
}
