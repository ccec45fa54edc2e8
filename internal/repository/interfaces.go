package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"chat-server/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DBTX accepts either a pgxpool.Pool or a pgx.Tx, so repositories can run
// inside or outside a transaction without knowing which.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionRepository manages chat sessions.
type SessionRepository interface {
	// EnsureSession returns the session with the given external id, creating
	// it first if it does not exist.
	EnsureSession(ctx context.Context, sessionID string, userID int64, model string) (*model.ChatSession, error)

	// GetBySessionID returns a session or ErrNotFound.
	GetBySessionID(ctx context.Context, sessionID string) (*model.ChatSession, error)
}

// MessageRepository manages persisted chat turns.
type MessageRepository interface {
	// SaveMessageIfAbsent inserts a message unless one with the same
	// (session_id, request_id) already exists. It reports whether a row was
	// actually inserted; an absorbed duplicate is not an error.
	SaveMessageIfAbsent(ctx context.Context, msg *model.ChatMessage) (bool, error)

	// ListBySession returns all messages of a session, oldest first.
	ListBySession(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
}

// UsageStatsRepository manages the per-(user, model, day) token accumulator.
type UsageStatsRepository interface {
	// AddUsage atomically folds one request's token counts into the daily
	// accumulator, creating the row on first use.
	AddUsage(ctx context.Context, userID int64, model string, date time.Time, promptTokens, completionTokens int64) error

	// GetByUserAndDate returns the accumulator rows of one user for a day.
	GetByUserAndDate(ctx context.Context, userID int64, date time.Time) ([]model.TokenUsageStats, error)
}
