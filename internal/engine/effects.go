package engine

import (
	"context"
	"fmt"

	"github.com/pk-battle/internal/domain"
)

// afterTerminal runs recorders and participant notifications for a battle
// that just reached a terminal state. Failures are logged only.
func (e *Engine) afterTerminal(ctx context.Context, b *domain.Battle) {
	ctx, cancel := e.effectContext(ctx)
	defer cancel()

	for _, r := range e.recorders {
		if err := r.RecordResult(ctx, b); err != nil {
			e.logger.Warn("failed to record battle result",
				"battle_id", b.ID,
				"status", b.Status,
				"error", err,
			)
		}
	}

	e.notify(ctx, terminalNotifications(b)...)
}

// notify delivers notifications best-effort
func (e *Engine) notify(ctx context.Context, notes ...domain.Notification) {
	ctx, cancel := e.effectContext(ctx)
	defer cancel()

	for _, n := range notes {
		n.CreatedAt = e.now()
		if err := e.sink.Notify(ctx, n); err != nil {
			e.logger.Warn("failed to deliver notification",
				"user_id", n.UserID,
				"type", n.Type,
				"error", err,
			)
		}
	}
}

func (e *Engine) effectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.effectTimeout)
}

func terminalNotifications(b *domain.Battle) []domain.Notification {
	link := battleLink(b.ID)
	meta := map[string]any{
		"battleId":        b.ID,
		"challengerScore": b.Challenger.Score,
		"opponentScore":   b.Opponent.Score,
	}

	switch b.Status {
	case domain.StatusDeclined:
		return []domain.Notification{{
			UserID:   b.Challenger.User,
			FromUser: b.Opponent.User,
			Type:     "pk_declined",
			Message:  fmt.Sprintf("%s declined your PK challenge", displayName(b.Opponent)),
			Link:     link,
			Metadata: meta,
		}}
	case domain.StatusCancelled:
		if b.StatusReason == domain.StatusReasonChallengeExpired {
			return []domain.Notification{{
				UserID:   b.Challenger.User,
				FromUser: b.Opponent.User,
				Type:     "pk_expired",
				Message:  fmt.Sprintf("%s did not answer your PK challenge in time", displayName(b.Opponent)),
				Link:     link,
				Metadata: meta,
			}}
		}
		return []domain.Notification{{
			UserID:   b.Opponent.User,
			FromUser: b.Challenger.User,
			Type:     "pk_cancelled",
			Message:  fmt.Sprintf("%s cancelled the PK challenge", displayName(b.Challenger)),
			Link:     link,
			Metadata: meta,
		}}
	case domain.StatusFinished:
		if b.IsDraw {
			return []domain.Notification{
				drawNotification(b.Challenger, b.Opponent, link, meta),
				drawNotification(b.Opponent, b.Challenger, link, meta),
			}
		}
		winner, loser := b.Challenger, b.Opponent
		if side, _ := b.WinnerSide(); side == domain.SideOpponent {
			winner, loser = b.Opponent, b.Challenger
		}
		return []domain.Notification{
			{
				UserID:   winner.User,
				FromUser: loser.User,
				Type:     "pk_won",
				Message:  fmt.Sprintf("You won the PK battle against %s %d:%d", displayName(loser), winner.Score, loser.Score),
				Link:     link,
				Metadata: meta,
			},
			{
				UserID:   loser.User,
				FromUser: winner.User,
				Type:     "pk_lost",
				Message:  fmt.Sprintf("You lost the PK battle against %s %d:%d", displayName(winner), loser.Score, winner.Score),
				Link:     link,
				Metadata: meta,
			},
		}
	}
	return nil
}

func drawNotification(to, other domain.Side, link string, meta map[string]any) domain.Notification {
	return domain.Notification{
		UserID:   to.User,
		FromUser: other.User,
		Type:     "pk_draw",
		Message:  fmt.Sprintf("Your PK battle against %s ended in a draw", displayName(other)),
		Link:     link,
		Metadata: meta,
	}
}

func displayName(s domain.Side) string {
	if s.Username != "" {
		return s.Username
	}
	return s.User
}

func battleLink(id string) string {
	return "/pk/" + id
}
