package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pk-battle/internal/domain"
)

// Notify appends a notification to the user's log
func (r *Repository) Notify(ctx context.Context, n domain.Notification) error {
	var metadata []byte
	if len(n.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("encoding notification metadata: %w", err)
		}
	}

	query := `
		INSERT INTO notifications (user_id, from_user_id, type, message, link, metadata, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7)
	`
	_, err := r.pool.Exec(ctx, query, n.UserID, n.FromUser, n.Type, n.Message, n.Link, metadata, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// Notifications returns the newest notifications of a user
func (r *Repository) Notifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	query := `
		SELECT id, user_id, COALESCE(from_user_id, ''), type, message, COALESCE(link, ''), metadata, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var metadata []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.FromUser, &n.Type, &n.Message, &n.Link, &metadata, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
				r.logger.Warn("invalid notification metadata", "notification_id", n.ID, "error", err)
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
