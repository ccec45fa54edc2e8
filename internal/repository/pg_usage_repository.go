package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"go.uber.org/zap"

	"chat-server/internal/model"
)

const (
	// One round trip, no read-modify-write window. Concurrent upserts for the
	// same (user, model, day) serialize on the unique constraint.
	upsertUsageQuery = `
        INSERT INTO token_usage_stats
            (user_id, model, usage_date, total_requests,
             prompt_tokens, completion_tokens, total_tokens)
        VALUES ($1, $2, $3, 1, $4, $5, $6)
        ON CONFLICT (user_id, model, usage_date) DO UPDATE SET
            total_requests    = token_usage_stats.total_requests + 1,
            prompt_tokens     = token_usage_stats.prompt_tokens + EXCLUDED.prompt_tokens,
            completion_tokens = token_usage_stats.completion_tokens + EXCLUDED.completion_tokens,
            total_tokens      = token_usage_stats.total_tokens + EXCLUDED.total_tokens,
            updated_at        = NOW()
    `
	getUsageByUserAndDateQuery = `
        SELECT id, user_id, model, usage_date, total_requests,
               prompt_tokens, completion_tokens, total_tokens, created_at, updated_at
        FROM token_usage_stats
        WHERE user_id = $1 AND usage_date = $2
        ORDER BY model
    `
)

type pgUsageStatsRepository struct {
	db     DBTX
	logger *zap.Logger
}

// Compile-time check
var _ UsageStatsRepository = (*pgUsageStatsRepository)(nil)

// NewPgUsageStatsRepository creates a PostgreSQL-backed usage accumulator.
func NewPgUsageStatsRepository(db DBTX, logger *zap.Logger) UsageStatsRepository {
	return &pgUsageStatsRepository{
		db:     db,
		logger: logger.Named("PgUsageStatsRepo"),
	}
}

// AddUsage folds one request's token counts into the daily accumulator.
func (r *pgUsageStatsRepository) AddUsage(ctx context.Context, userID int64, modelName string, date time.Time, promptTokens, completionTokens int64) error {
	day := date.UTC().Truncate(24 * time.Hour)
	total := promptTokens + completionTokens

	_, err := r.db.Exec(ctx, upsertUsageQuery,
		userID, modelName, day, promptTokens, completionTokens, total)
	if err != nil {
		r.logger.Error("Failed to accumulate token usage",
			zap.Int64("userID", userID),
			zap.String("model", modelName),
			zap.Error(err))
		return fmt.Errorf("failed to accumulate token usage: %w", err)
	}

	r.logger.Debug("Token usage accumulated",
		zap.Int64("userID", userID),
		zap.String("model", modelName),
		zap.Int64("totalTokens", total))
	return nil
}

// GetByUserAndDate returns the accumulator rows of one user for a day.
func (r *pgUsageStatsRepository) GetByUserAndDate(ctx context.Context, userID int64, date time.Time) ([]model.TokenUsageStats, error) {
	day := date.UTC().Truncate(24 * time.Hour)

	var stats []model.TokenUsageStats
	if err := pgxscan.Select(ctx, r.db, &stats, getUsageByUserAndDateQuery, userID, day); err != nil {
		r.logger.Error("Failed to get token usage",
			zap.Int64("userID", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get token usage: %w", err)
	}
	return stats, nil
}
