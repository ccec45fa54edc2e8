package repository

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"go.uber.org/zap"

	"chat-server/internal/model"
)

const (
	// The unique index on (session_id, request_id) treats NULL request_ids as
	// distinct, so rows without an idempotency key are never deduplicated.
	insertMessageIfAbsentQuery = `
        INSERT INTO chat_messages
            (session_id, user_id, role, content, model, request_id,
             prompt_tokens, completion_tokens, total_tokens)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (session_id, request_id) DO NOTHING
    `
	listMessagesQuery = `
        SELECT id, session_id, user_id, role, content, model, request_id,
               prompt_tokens, completion_tokens, total_tokens, created_at
        FROM chat_messages
        WHERE session_id = $1
        ORDER BY id ASC
    `
)

type pgMessageRepository struct {
	db     DBTX
	logger *zap.Logger
}

// Compile-time check
var _ MessageRepository = (*pgMessageRepository)(nil)

// NewPgMessageRepository creates a PostgreSQL-backed message repository.
func NewPgMessageRepository(db DBTX, logger *zap.Logger) MessageRepository {
	return &pgMessageRepository{
		db:     db,
		logger: logger.Named("PgMessageRepo"),
	}
}

// SaveMessageIfAbsent inserts unless the idempotency key already exists. The
// decision comes from RowsAffected, not from a prior existence check, so it
// stays correct under concurrent redeliveries.
func (r *pgMessageRepository) SaveMessageIfAbsent(ctx context.Context, msg *model.ChatMessage) (bool, error) {
	tag, err := r.db.Exec(ctx, insertMessageIfAbsentQuery,
		msg.SessionID, msg.UserID, msg.Role, msg.Content, msg.Model, msg.RequestID,
		msg.PromptTokens, msg.CompletionTokens, msg.TotalTokens)
	if err != nil {
		r.logger.Error("Failed to save message conditionally",
			zap.String("sessionID", msg.SessionID),
			zap.String("role", msg.Role),
			zap.Error(err))
		return false, fmt.Errorf("failed to save message: %w", err)
	}

	inserted := tag.RowsAffected() > 0
	if !inserted {
		r.logger.Debug("Duplicate message absorbed",
			zap.String("sessionID", msg.SessionID),
			zap.Stringp("requestID", msg.RequestID))
	}
	return inserted, nil
}

// ListBySession returns every message of the session, oldest first.
func (r *pgMessageRepository) ListBySession(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	var messages []model.ChatMessage
	if err := pgxscan.Select(ctx, r.db, &messages, listMessagesQuery, sessionID); err != nil {
		r.logger.Error("Failed to list messages",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}
