package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pk-battle/internal/domain"
)

const selectModeration = `
	SELECT user_id, strikes, is_banned, is_permanent_ban, ban_until, COALESCE(ban_reason, ''), last_violation_at
	FROM moderation_records
	WHERE user_id = $1
`

// ModerationRecord returns the moderation state of a user. Users without a
// record get a clean one.
func (r *Repository) ModerationRecord(ctx context.Context, userID string) (domain.ModerationRecord, error) {
	rec, err := scanModeration(r.pool.QueryRow(ctx, selectModeration, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ModerationRecord{UserID: userID}, nil
	}
	if err != nil {
		return domain.ModerationRecord{}, fmt.Errorf("getting moderation record: %w", err)
	}
	return rec, nil
}

// UpdateModeration locks the user's record, lets apply change it and stores
// the change with a history entry in one transaction
func (r *Repository) UpdateModeration(ctx context.Context, userID string, apply func(*domain.ModerationRecord) domain.ModerationResult) (domain.ModerationResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ModerationResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO moderation_records (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return domain.ModerationResult{}, fmt.Errorf("ensuring moderation record: %w", err)
	}

	rec, err := scanModeration(tx.QueryRow(ctx, selectModeration+" FOR UPDATE", userID))
	if err != nil {
		return domain.ModerationResult{}, fmt.Errorf("locking moderation record: %w", err)
	}

	result := apply(&rec)

	if _, err := tx.Exec(ctx, `
		UPDATE moderation_records
		SET strikes = $2, is_banned = $3, is_permanent_ban = $4, ban_until = $5,
			ban_reason = $6, last_violation_at = $7, updated_at = NOW()
		WHERE user_id = $1
	`, rec.UserID, rec.Strikes, rec.IsBanned, rec.IsPermanentBan, rec.BanUntil, rec.BanReason, rec.LastViolationAt); err != nil {
		return domain.ModerationResult{}, fmt.Errorf("updating moderation record: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO moderation_history (user_id, action, reason, strike_count, duration_seconds, ban_until)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, string(result.Action), result.Reason, result.StrikeCount, result.DurationSeconds, result.Until); err != nil {
		return domain.ModerationResult{}, fmt.Errorf("recording moderation history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ModerationResult{}, fmt.Errorf("committing moderation change: %w", err)
	}
	return result, nil
}

func scanModeration(row pgx.Row) (domain.ModerationRecord, error) {
	var rec domain.ModerationRecord
	err := row.Scan(
		&rec.UserID,
		&rec.Strikes,
		&rec.IsBanned,
		&rec.IsPermanentBan,
		&rec.BanUntil,
		&rec.BanReason,
		&rec.LastViolationAt,
	)
	return rec, err
}
