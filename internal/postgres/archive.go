package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pk-battle/internal/domain"
)

// RecordResult archives a terminal battle together with its gifts
func (r *Repository) RecordResult(ctx context.Context, b *domain.Battle) error {
	if !b.Status.IsTerminal() || b.FinishedAt == nil {
		return nil
	}

	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding battle: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO battle_archive (
			id, status, status_reason, challenger_id, opponent_id,
			challenger_score, opponent_score, winner_id, is_draw, duration,
			start_time, finished_at, doc, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			challenger_score = EXCLUDED.challenger_score,
			opponent_score = EXCLUDED.opponent_score,
			winner_id = EXCLUDED.winner_id,
			is_draw = EXCLUDED.is_draw,
			finished_at = EXCLUDED.finished_at,
			doc = EXCLUDED.doc
	`,
		b.ID,
		string(b.Status),
		b.StatusReason,
		b.Challenger.User,
		b.Opponent.User,
		b.Challenger.Score,
		b.Opponent.Score,
		b.Winner,
		b.IsDraw,
		b.Duration,
		b.StartTime,
		*b.FinishedAt,
		doc,
		b.CreatedAt,
	)

	giftQuery := `
		INSERT INTO battle_gifts (gift_id, battle_id, side, recipient_id, sender_id, gift_type, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (gift_id) DO NOTHING
	`
	queued := 1
	for _, name := range []domain.SideName{domain.SideChallenger, domain.SideOpponent} {
		side := b.Side(name)
		for _, g := range side.GiftsReceived {
			batch.Queue(giftQuery, g.ID, b.ID, string(name), side.User, g.From, g.GiftType, g.Value, g.Timestamp)
			queued++
		}
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("archiving battle %s: %w", b.ID, err)
		}
	}
	return nil
}

// History returns a user's archived battles, newest first
func (r *Repository) History(ctx context.Context, userID string, limit, offset int) ([]domain.HistoryEntry, error) {
	query := `
		SELECT doc
		FROM battle_archive
		WHERE challenger_id = $1 OR opponent_id = $1
		ORDER BY finished_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying battle history: %w", err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning battle history: %w", err)
		}
		var b domain.Battle
		if err := json.Unmarshal(doc, &b); err != nil {
			return nil, fmt.Errorf("decoding archived battle: %w", err)
		}
		entries = append(entries, b.HistoryFor(userID))
	}
	return entries, rows.Err()
}

// EachFinished streams finished battles in the order they ended
func (r *Repository) EachFinished(ctx context.Context, fn func(*domain.Battle) error) error {
	rows, err := r.pool.Query(ctx, `
		SELECT doc FROM battle_archive
		WHERE status = $1
		ORDER BY finished_at ASC
	`, string(domain.StatusFinished))
	if err != nil {
		return fmt.Errorf("querying finished battles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("scanning finished battle: %w", err)
		}
		var b domain.Battle
		if err := json.Unmarshal(doc, &b); err != nil {
			r.logger.Warn("skipping undecodable archived battle", "error", err)
			continue
		}
		if err := fn(&b); err != nil {
			return err
		}
	}
	return rows.Err()
}
