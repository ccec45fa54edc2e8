package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chat-server/internal/messaging"
	"chat-server/internal/model"
	"chat-server/internal/repository"
)

// ResultSink is the idempotent persistence path for generation results. One
// result produces at most one assistant message and at most one usage
// accumulation, no matter how many times the broker delivers it.
type ResultSink struct {
	messages repository.MessageRepository
	usage    repository.UsageStatsRepository
	logger   *zap.Logger
}

// NewResultSink creates the sink over the message and usage repositories.
func NewResultSink(
	messages repository.MessageRepository,
	usage repository.UsageStatsRepository,
	logger *zap.Logger,
) *ResultSink {
	return &ResultSink{
		messages: messages,
		usage:    usage,
		logger:   logger.Named("ResultSink"),
	}
}

// Process parses one result payload and persists it. The assistant turn is
// stored under the derived "<request_id>:assistant" key; when the insert is
// absorbed as a duplicate, the usage accumulation is skipped too, so a
// redelivered result counts exactly zero times. Usage accumulation failures
// are returned so the delivery follows the retry protocol. If the insert had
// already committed, the retry is absorbed by the duplicate guard and the
// increment stays lost: usage counters are advisory and never gate reply
// delivery, while the guard keeps them from over-counting.
func (s *ResultSink) Process(ctx context.Context, body []byte) error {
	var result messaging.GenerationResultPayload
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse generation result: %w", err)
	}

	log := s.logger.With(
		zap.String("request_id", result.RequestID),
		zap.String("session_id", result.SessionID))

	var requestID *string
	if key := messaging.AssistantRequestID(result.RequestID); key != "" {
		requestID = &key
	}

	msg := &model.ChatMessage{
		SessionID:        result.SessionID,
		UserID:           result.UserID,
		Role:             model.RoleAssistant,
		Content:          result.Response,
		Model:            result.Model,
		RequestID:        requestID,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
	}

	inserted, err := s.messages.SaveMessageIfAbsent(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to persist assistant message %s: %w", result.RequestID, err)
	}
	if !inserted {
		log.Debug("Duplicate result absorbed, skipping usage accumulation")
		return nil
	}

	if err := s.usage.AddUsage(ctx, result.UserID, result.Model, time.Now(),
		int64(result.Usage.PromptTokens), int64(result.Usage.CompletionTokens)); err != nil {
		return fmt.Errorf("failed to accumulate usage for %s: %w", result.RequestID, err)
	}

	log.Info("Generation result persisted",
		zap.Int("totalTokens", result.Usage.TotalTokens))
	return nil
}
