package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"chat-server/internal/messaging"
	"chat-server/internal/model"
	"chat-server/internal/service"
)

// Handler turns one generation task into a generation result. It is
// stateless; a failed attempt leaves nothing behind, which is what makes the
// broker-level retry safe.
type Handler struct {
	ai          service.AIClient
	maxMessages int
	metrics     *Metrics
	logger      *zap.Logger
}

// NewHandler creates the task handler. maxMessages bounds the conversation
// window handed to the model.
func NewHandler(ai service.AIClient, maxMessages int, metrics *Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		ai:          ai,
		maxMessages: maxMessages,
		metrics:     metrics,
		logger:      logger.Named("TaskHandler"),
	}
}

// Handle validates the task, runs the model call and assembles the result.
// Identifying fields are echoed from the task so the sink can correlate the
// result without any shared state.
func (h *Handler) Handle(ctx context.Context, task messaging.GenerationTaskPayload) (messaging.GenerationResultPayload, error) {
	h.metrics.TasksReceived.Inc()

	if err := task.Validate(); err != nil {
		h.metrics.TasksFailed.With(prometheus.Labels{"reason": "invalid_payload"}).Inc()
		return messaging.GenerationResultPayload{}, fmt.Errorf("invalid generation task: %w", err)
	}

	conversation := h.buildConversation(task)

	startTime := time.Now()
	response, usage, err := h.ai.Generate(ctx, task.Model, conversation)
	h.metrics.TaskDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		h.metrics.TasksFailed.With(prometheus.Labels{"reason": "generation"}).Inc()
		return messaging.GenerationResultPayload{}, err
	}

	h.metrics.TasksSucceeded.Inc()
	h.metrics.TokensUsed.With(prometheus.Labels{"model": task.Model, "kind": "prompt"}).
		Add(float64(usage.PromptTokens))
	h.metrics.TokensUsed.With(prometheus.Labels{"model": task.Model, "kind": "completion"}).
		Add(float64(usage.CompletionTokens))

	h.logger.Info("Generation task completed",
		zap.String("request_id", task.RequestID),
		zap.String("session_id", task.SessionID),
		zap.Int("totalTokens", usage.PromptTokens+usage.CompletionTokens))

	return messaging.GenerationResultPayload{
		RequestID: task.RequestID,
		SessionID: task.SessionID,
		UserID:    task.UserID,
		Model:     task.Model,
		Response:  response,
		Usage: messaging.UsagePayload{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
		},
	}, nil
}

// buildConversation assembles the model input from the task. The history
// already arrives windowed, but the bound is enforced again here so an
// oversized payload cannot blow up the prompt. The last user message always
// comes last.
func (h *Handler) buildConversation(task messaging.GenerationTaskPayload) []messaging.HistoryItem {
	history := task.History
	if h.maxMessages > 0 && len(history) > h.maxMessages {
		history = history[len(history)-h.maxMessages:]
	}

	conversation := make([]messaging.HistoryItem, 0, len(history)+1)
	conversation = append(conversation, history...)

	// The windowed history normally ends with the submitted user turn; if it
	// does not (empty or truncated history), append it explicitly.
	if n := len(conversation); n == 0 ||
		conversation[n-1].Role != model.RoleUser ||
		conversation[n-1].Content != task.LastUserMessage {
		conversation = append(conversation, messaging.HistoryItem{
			Role:    model.RoleUser,
			Content: task.LastUserMessage,
		})
	}
	return conversation
}
