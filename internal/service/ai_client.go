package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"chat-server/internal/messaging"
)

// ErrGenerationFailed marks any failure of the model call itself. Callers
// match it with errors.Is to decide retry routing.
var ErrGenerationFailed = errors.New("text generation failed")

// Usage reports the token consumption of one generation call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// AIClient produces an assistant reply for a conversation. The messages slice
// is the prior context, oldest first; implementations must not mutate it.
type AIClient interface {
	Generate(ctx context.Context, model string, messages []messaging.HistoryItem) (string, Usage, error)
}

// openAIClient implements AIClient over any OpenAI-compatible endpoint.
type openAIClient struct {
	client  *openaigo.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewOpenAIClient creates a client against the given base URL. The per-call
// timeout bounds the chat completion round trip.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) AIClient {
	cfg := openaigo.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &openAIClient{
		client:  openaigo.NewClientWithConfig(cfg),
		timeout: timeout,
		logger:  logger.Named("OpenAIClient"),
	}
}

func (c *openAIClient) Generate(ctx context.Context, model string, messages []messaging.HistoryItem) (string, Usage, error) {
	if len(messages) == 0 {
		return "", Usage{}, fmt.Errorf("%w: empty conversation", ErrGenerationFailed)
	}

	chatMessages := make([]openaigo.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, openaigo.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:    model,
		Messages: chatMessages,
	})
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Error("AI request failed",
			zap.String("model", model),
			zap.Duration("duration", duration),
			zap.Error(err))
		return "", Usage{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Error("AI returned empty response",
			zap.String("model", model),
			zap.Duration("duration", duration))
		return "", Usage{}, fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Debug("AI response received",
		zap.String("model", model),
		zap.Duration("duration", duration),
		zap.Int("promptTokens", usage.PromptTokens),
		zap.Int("completionTokens", usage.CompletionTokens))

	return resp.Choices[0].Message.Content, usage, nil
}
