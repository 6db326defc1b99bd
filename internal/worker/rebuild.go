package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pk-battle/internal/domain"
)

// Archive replays archived battles
type Archive interface {
	EachFinished(ctx context.Context, fn func(*domain.Battle) error) error
}

// Leaderboard is the Redis leaderboard being rebuilt
type Leaderboard interface {
	Built(ctx context.Context) (bool, error)
	MarkBuilt(ctx context.Context) error
	RecordResult(ctx context.Context, b *domain.Battle) error
}

// RebuildLeaderboard replays the archive into the leaderboard unless it was
// already built. Battles counted before are skipped by the leaderboard.
func RebuildLeaderboard(ctx context.Context, archive Archive, lb Leaderboard, logger *slog.Logger) error {
	built, err := lb.Built(ctx)
	if err != nil {
		return fmt.Errorf("checking leaderboard state: %w", err)
	}
	if built {
		logger.Debug("leaderboard already built")
		return nil
	}

	logger.Info("rebuilding leaderboard from archive")
	var count int
	err = archive.EachFinished(ctx, func(b *domain.Battle) error {
		if err := lb.RecordResult(ctx, b); err != nil {
			return fmt.Errorf("replaying battle %s: %w", b.ID, err)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	if err := lb.MarkBuilt(ctx); err != nil {
		return fmt.Errorf("marking leaderboard built: %w", err)
	}
	logger.Info("leaderboard rebuilt", "battles", count)
	return nil
}
