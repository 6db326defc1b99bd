package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pk-battle/internal/domain"
	"github.com/redis/go-redis/v9"
)

// recordResultScript counts one finished battle for both participants.
// KEYS: recorded marker, wins zset, challenger stats, opponent stats,
// challenger info, opponent info.
// ARGV: marker ttl seconds, then id/result/score/name for challenger and
// opponent.
var recordResultScript = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1]) == false then
  return 0
end
local function apply(stats, info, user, result, score, name)
  redis.call('HINCRBY', stats, 'battles', 1)
  redis.call('HINCRBY', stats, 'score', score)
  if result == 'win' then
    redis.call('HINCRBY', stats, 'wins', 1)
    local streak = redis.call('HINCRBY', stats, 'streak', 1)
    local best = tonumber(redis.call('HGET', stats, 'best_streak') or '0')
    if streak > best then
      redis.call('HSET', stats, 'best_streak', streak)
    end
    redis.call('ZINCRBY', KEYS[2], 1, user)
  elseif result == 'loss' then
    redis.call('HINCRBY', stats, 'losses', 1)
    redis.call('HSET', stats, 'streak', 0)
  else
    redis.call('HINCRBY', stats, 'draws', 1)
  end
  if name ~= '' then
    redis.call('HSET', info, 'username', name)
  end
end
apply(KEYS[3], KEYS[5], ARGV[2], ARGV[3], ARGV[4], ARGV[5])
apply(KEYS[4], KEYS[6], ARGV[6], ARGV[7], ARGV[8], ARGV[9])
return 1
`)

const recordedMarkerTTL = 7 * 24 * time.Hour

// LeaderboardService keeps the PK win leaderboard and per-user battle stats
type LeaderboardService struct {
	client *redis.Client
	keys   keys
	logger *slog.Logger
}

// NewLeaderboardService creates a new Redis leaderboard service
func NewLeaderboardService(client *redis.Client, prefix string, logger *slog.Logger) *LeaderboardService {
	return &LeaderboardService{
		client: client,
		keys:   keys{prefix: prefix},
		logger: logger,
	}
}

// RecordResult counts a finished battle. Other terminal states and battles
// already counted are ignored.
func (s *LeaderboardService) RecordResult(ctx context.Context, b *domain.Battle) error {
	if b.Status != domain.StatusFinished {
		return nil
	}

	c, o := b.Challenger, b.Opponent
	scriptKeys := []string{
		s.keys.recorded(b.ID),
		s.keys.wins(),
		s.keys.stats(c.User),
		s.keys.stats(o.User),
		s.keys.userInfo(c.User),
		s.keys.userInfo(o.User),
	}
	args := []any{
		int64(recordedMarkerTTL / time.Second),
		c.User, b.ResultFor(c.User), c.Score, c.Username,
		o.User, b.ResultFor(o.User), o.Score, o.Username,
	}

	counted, err := recordResultScript.Run(ctx, s.client, scriptKeys, args...).Int()
	if err != nil {
		return fmt.Errorf("recording battle result: %w", err)
	}
	if counted == 0 {
		s.logger.Debug("battle result already counted", "battle_id", b.ID)
	}
	return nil
}

// GetTopN returns the N streamers with the most wins
func (s *LeaderboardService) GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, s.keys.wins(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}

	pipe := s.client.Pipeline()
	names := make([]*redis.StringCmd, len(results))
	for i, result := range results {
		names[i] = pipe.HGet(ctx, s.keys.userInfo(result.Member.(string)), "username")
	}
	if len(results) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("getting usernames: %w", err)
		}
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Rank:     int64(i + 1),
			UserID:   result.Member.(string),
			Username: names[i].Val(),
			Wins:     int64(result.Score),
		}
	}
	return entries, nil
}

// GetUserStats returns a user's battle record
func (s *LeaderboardService) GetUserStats(ctx context.Context, userID string) (*domain.UserStats, error) {
	result, err := s.client.HGetAll(ctx, s.keys.stats(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting user stats: %w", err)
	}

	stats := &domain.UserStats{UserID: userID}
	if len(result) == 0 {
		return stats, nil
	}
	stats.Battles = parseInt(result["battles"])
	stats.Wins = parseInt(result["wins"])
	stats.Losses = parseInt(result["losses"])
	stats.Draws = parseInt(result["draws"])
	stats.TotalScore = parseInt(result["score"])
	stats.Streak = parseInt(result["streak"])
	stats.BestStreak = parseInt(result["best_streak"])
	return stats, nil
}

// GetCount returns how many streamers have at least one win
func (s *LeaderboardService) GetCount(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, s.keys.wins()).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// Built reports whether the leaderboard was already rebuilt from the archive
func (s *LeaderboardService) Built(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.keys.leaderboardBuilt()).Result()
	if err != nil {
		return false, fmt.Errorf("checking leaderboard marker: %w", err)
	}
	return n > 0, nil
}

// MarkBuilt records that the leaderboard reflects the archive
func (s *LeaderboardService) MarkBuilt(ctx context.Context) error {
	if err := s.client.Set(ctx, s.keys.leaderboardBuilt(), "1", 0).Err(); err != nil {
		return fmt.Errorf("setting leaderboard marker: %w", err)
	}
	return nil
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
