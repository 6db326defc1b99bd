package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pk-battle/internal/domain"
)

// Records persists moderation state
type Records interface {
	ModerationRecord(ctx context.Context, userID string) (domain.ModerationRecord, error)
	UpdateModeration(ctx context.Context, userID string, apply func(*domain.ModerationRecord) domain.ModerationResult) (domain.ModerationResult, error)
}

// Cache holds recent ban gate answers
type Cache interface {
	Get(ctx context.Context, userID string) (domain.BanStatus, bool, error)
	Set(ctx context.Context, status domain.BanStatus, now time.Time) error
	Invalidate(ctx context.Context, userID string) error
}

// Service applies strikes and answers ban checks
type Service struct {
	records Records
	cache   Cache
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a moderation service. cache may be nil.
func NewService(records Records, cache Cache, logger *slog.Logger) *Service {
	return &Service{
		records: records,
		cache:   cache,
		now:     time.Now,
		logger:  logger,
	}
}

// Check returns the current ban status of a user
func (s *Service) Check(ctx context.Context, userID string) (domain.BanStatus, error) {
	now := s.now()
	if s.cache != nil {
		status, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("ban cache read failed", "user_id", userID, "error", err)
		}
		if ok && (!status.Banned || status.Permanent || (status.Until != nil && status.Until.After(now))) {
			return refreshRemaining(status, now), nil
		}
	}

	rec, err := s.records.ModerationRecord(ctx, userID)
	if err != nil {
		return domain.BanStatus{}, fmt.Errorf("loading moderation record: %w", err)
	}
	status := StatusOf(rec, now)

	if s.cache != nil {
		if err := s.cache.Set(ctx, status, now); err != nil {
			s.logger.Warn("ban cache write failed", "user_id", userID, "error", err)
			return status, nil
		}
		// A strike or unban that committed between the load and the write
		// invalidated before our Set, so the entry may be stale.
		fresh, err := s.records.ModerationRecord(ctx, userID)
		switch {
		case err != nil:
			s.invalidate(ctx, userID)
		case !sameBan(rec, fresh):
			s.invalidate(ctx, userID)
			status = StatusOf(fresh, now)
		}
	}
	return status, nil
}

func sameBan(a, b domain.ModerationRecord) bool {
	if a.Strikes != b.Strikes || a.IsBanned != b.IsBanned || a.IsPermanentBan != b.IsPermanentBan {
		return false
	}
	if a.BanUntil == nil || b.BanUntil == nil {
		return a.BanUntil == b.BanUntil
	}
	return a.BanUntil.Equal(*b.BanUntil)
}

// ApplyViolation adds a strike and bans the user per the ladder
func (s *Service) ApplyViolation(ctx context.Context, userID, reason string) (domain.ModerationResult, error) {
	if userID == "" {
		return domain.ModerationResult{}, domain.ValidationError("targetUserId is required")
	}
	now := s.now()
	result, err := s.records.UpdateModeration(ctx, userID, func(rec *domain.ModerationRecord) domain.ModerationResult {
		return ApplyStrike(rec, reason, now)
	})
	if err != nil {
		return domain.ModerationResult{}, fmt.Errorf("applying violation: %w", err)
	}
	s.invalidate(ctx, userID)

	s.logger.Info("moderation strike applied",
		"user_id", userID,
		"reason", result.Reason,
		"strikes", result.StrikeCount,
		"action", result.Action,
	)
	return result, nil
}

// Unban lifts the ban of a user
func (s *Service) Unban(ctx context.Context, userID, reason string) (domain.ModerationResult, error) {
	if userID == "" {
		return domain.ModerationResult{}, domain.ValidationError("userId is required")
	}
	result, err := s.records.UpdateModeration(ctx, userID, func(rec *domain.ModerationRecord) domain.ModerationResult {
		return Lift(rec, reason)
	})
	if err != nil {
		return domain.ModerationResult{}, fmt.Errorf("unbanning user: %w", err)
	}
	s.invalidate(ctx, userID)

	s.logger.Info("user unbanned", "user_id", userID, "reason", result.Reason)
	return result, nil
}

// Record returns the stored moderation record with its computed ban status
func (s *Service) Record(ctx context.Context, userID string) (domain.ModerationRecord, domain.BanStatus, error) {
	rec, err := s.records.ModerationRecord(ctx, userID)
	if err != nil {
		return domain.ModerationRecord{}, domain.BanStatus{}, fmt.Errorf("loading moderation record: %w", err)
	}
	return rec, StatusOf(rec, s.now()), nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("ban cache invalidation failed", "user_id", userID, "error", err)
	}
}

func refreshRemaining(status domain.BanStatus, now time.Time) domain.BanStatus {
	if status.Banned && status.Until != nil {
		status.RemainingSeconds = int64((status.Until.Sub(now) + time.Second - 1) / time.Second)
	}
	return status
}
