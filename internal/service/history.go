package service

import (
	"chat-server/internal/messaging"
	"chat-server/internal/model"
)

// BuildHistory converts stored messages into the conversation window carried
// by a generation task: at most max turns, the most recent ones, oldest first.
// The input is assumed to already be in chronological order.
func BuildHistory(msgs []model.ChatMessage, max int) []messaging.HistoryItem {
	if max <= 0 || len(msgs) == 0 {
		return nil
	}
	if len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}

	history := make([]messaging.HistoryItem, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, messaging.HistoryItem{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return history
}
