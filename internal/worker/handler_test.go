package worker

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-server/internal/messaging"
	"chat-server/internal/model"
	"chat-server/internal/service"
)

type fakeAIClient struct {
	response string
	usage    service.Usage
	err      error
	received []messaging.HistoryItem
}

func (c *fakeAIClient) Generate(ctx context.Context, model string, messages []messaging.HistoryItem) (string, service.Usage, error) {
	c.received = messages
	if c.err != nil {
		return "", service.Usage{}, c.err
	}
	return c.response, c.usage, nil
}

func validTask() messaging.GenerationTaskPayload {
	return messaging.GenerationTaskPayload{
		RequestID:       "req-1",
		SessionID:       "sess-1",
		UserID:          42,
		Model:           "gpt-4o-mini",
		LastUserMessage: "hello",
		History: []messaging.HistoryItem{
			{Role: model.RoleUser, Content: "hello"},
		},
	}
}

func newTestHandler(ai service.AIClient, maxMessages int) *Handler {
	return NewHandler(ai, maxMessages, NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func TestHandlerHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("Identifying fields are echoed and totals derived", func(t *testing.T) {
		ai := &fakeAIClient{
			response: "hi there",
			usage:    service.Usage{PromptTokens: 10, CompletionTokens: 5},
		}
		handler := newTestHandler(ai, 12)

		result, err := handler.Handle(ctx, validTask())
		require.NoError(t, err)

		assert.Equal(t, "req-1", result.RequestID)
		assert.Equal(t, "sess-1", result.SessionID)
		assert.Equal(t, int64(42), result.UserID)
		assert.Equal(t, "gpt-4o-mini", result.Model)
		assert.Equal(t, "hi there", result.Response)
		assert.Equal(t, 10, result.Usage.PromptTokens)
		assert.Equal(t, 5, result.Usage.CompletionTokens)
		assert.Equal(t, 15, result.Usage.TotalTokens)
	})

	t.Run("Invalid task fails before the model call", func(t *testing.T) {
		ai := &fakeAIClient{}
		handler := newTestHandler(ai, 12)

		task := validTask()
		task.SessionID = ""
		_, err := handler.Handle(ctx, task)
		assert.Error(t, err)
		assert.Nil(t, ai.received)
	})

	t.Run("Generation failure propagates for retry", func(t *testing.T) {
		ai := &fakeAIClient{err: service.ErrGenerationFailed}
		handler := newTestHandler(ai, 12)

		_, err := handler.Handle(ctx, validTask())
		assert.ErrorIs(t, err, service.ErrGenerationFailed)
	})

	t.Run("Empty history still carries the last user message", func(t *testing.T) {
		ai := &fakeAIClient{response: "hi"}
		handler := newTestHandler(ai, 12)

		task := validTask()
		task.History = nil
		_, err := handler.Handle(ctx, task)
		require.NoError(t, err)

		require.Len(t, ai.received, 1)
		assert.Equal(t, model.RoleUser, ai.received[0].Role)
		assert.Equal(t, "hello", ai.received[0].Content)
	})

	t.Run("Oversized history is re-windowed", func(t *testing.T) {
		ai := &fakeAIClient{response: "hi"}
		handler := newTestHandler(ai, 2)

		task := validTask()
		task.History = []messaging.HistoryItem{
			{Role: model.RoleUser, Content: "one"},
			{Role: model.RoleAssistant, Content: "two"},
			{Role: model.RoleUser, Content: "hello"},
		}
		_, err := handler.Handle(ctx, task)
		require.NoError(t, err)

		require.Len(t, ai.received, 2)
		assert.Equal(t, "two", ai.received[0].Content)
		assert.Equal(t, "hello", ai.received[1].Content)
	})
}
