package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chat-server/internal/model"
)

const (
	getSessionQuery = `
        SELECT id, session_id, user_id, title, model, created_at, updated_at
        FROM chat_sessions
        WHERE session_id = $1
    `
	insertSessionQuery = `
        INSERT INTO chat_sessions (session_id, user_id, title, model)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (session_id) DO NOTHING
    `
)

type pgSessionRepository struct {
	db     DBTX
	logger *zap.Logger
}

// Compile-time check
var _ SessionRepository = (*pgSessionRepository)(nil)

// NewPgSessionRepository creates a PostgreSQL-backed session repository.
func NewPgSessionRepository(db DBTX, logger *zap.Logger) SessionRepository {
	return &pgSessionRepository{
		db:     db,
		logger: logger.Named("PgSessionRepo"),
	}
}

// EnsureSession gets or creates the session. The insert uses ON CONFLICT DO
// NOTHING so two concurrent first submissions for the same session both
// succeed and read back the same row.
func (r *pgSessionRepository) EnsureSession(ctx context.Context, sessionID string, userID int64, modelName string) (*model.ChatSession, error) {
	session, err := r.GetBySessionID(ctx, sessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	title := truncateTitle(sessionID)
	if _, err := r.db.Exec(ctx, insertSessionQuery, sessionID, userID, title, modelName); err != nil {
		r.logger.Error("Failed to create session",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	session, err = r.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read back session %s: %w", sessionID, err)
	}

	r.logger.Info("Session ensured",
		zap.String("sessionID", sessionID),
		zap.Int64("userID", userID))
	return session, nil
}

// GetBySessionID returns the session or ErrNotFound.
func (r *pgSessionRepository) GetBySessionID(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	var session model.ChatSession
	err := pgxscan.Get(ctx, r.db, &session, getSessionQuery, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get session",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func truncateTitle(s string) string {
	const maxTitle = 64
	if len(s) <= maxTitle {
		return s
	}
	return s[:maxTitle]
}
