package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pk-battle/internal/domain"
	"github.com/redis/go-redis/v9"
)

// BattleStore keeps battles as JSON documents in Redis. Updates use
// WATCH/MULTI and are retried when another writer touched the battle.
type BattleStore struct {
	client     *redis.Client
	keys       keys
	retention  time.Duration
	maxRetries int
	logger     *slog.Logger
}

// NewBattleStore creates a Redis battle store
func NewBattleStore(client *redis.Client, prefix string, retention time.Duration, maxRetries int, logger *slog.Logger) *BattleStore {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &BattleStore{
		client:     client,
		keys:       keys{prefix: prefix},
		retention:  retention,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Create stores a new pending battle and claims both participants
func (s *BattleStore) Create(ctx context.Context, b *domain.Battle) error {
	battleKey := s.keys.battle(b.ID)
	busyKeys := []string{
		s.keys.userBattle(b.Challenger.User),
		s.keys.userBattle(b.Opponent.User),
	}

	stored := b.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding battle: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		busy, err := tx.Exists(ctx, busyKeys...).Result()
		if err != nil {
			return fmt.Errorf("checking busy users: %w", err)
		}
		if busy > 0 {
			return domain.ErrUserBusy
		}
		exists, err := tx.Exists(ctx, battleKey).Result()
		if err != nil {
			return fmt.Errorf("checking battle id: %w", err)
		}
		if exists > 0 {
			return domain.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, battleKey, data, 0)
			pipe.ZAdd(ctx, s.keys.pendingIndex(), redis.Z{Score: unixMilli(b.ChallengeExpiresAt), Member: b.ID})
			for _, k := range busyKeys {
				pipe.Set(ctx, k, b.ID, 0)
			}
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, append(busyKeys, battleKey)...); err != nil {
		return err
	}
	b.Version = stored.Version
	return nil
}

// Get loads a battle by id
func (s *BattleStore) Get(ctx context.Context, id string) (*domain.Battle, error) {
	return s.load(ctx, s.client, id)
}

// Update applies fn to the stored battle inside an optimistic transaction.
// Nothing is written when fn fails. Conflicting writers cause a retry.
func (s *BattleStore) Update(ctx context.Context, id string, fn func(*domain.Battle) error) (*domain.Battle, error) {
	battleKey := s.keys.battle(id)
	var result *domain.Battle

	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("battle %s: %w", id, err)
		}
		next.Version = current.Version + 1

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encoding battle: %w", err)
		}

		var release []string
		if next.Status.IsTerminal() {
			for _, u := range next.Participants() {
				k := s.keys.userBattle(u)
				owner, err := tx.Get(ctx, k).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("reading busy key: %w", err)
				}
				if owner == id {
					release = append(release, k)
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			var ttl time.Duration
			if next.Status.IsTerminal() {
				ttl = s.retention
			}
			pipe.Set(ctx, battleKey, data, ttl)
			s.reindex(ctx, pipe, current, next)
			if len(release) > 0 {
				pipe.Del(ctx, release...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	if err := s.watch(ctx, txf, battleKey); err != nil {
		return nil, err
	}
	return result, nil
}

// ListActive returns active battles ordered by end time
func (s *BattleStore) ListActive(ctx context.Context, limit int) ([]*domain.Battle, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, s.keys.activeIndex(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active battles: %w", err)
	}
	return s.loadMany(ctx, ids)
}

// ExpiredActive returns ids of active battles whose end time is not after now
func (s *BattleStore) ExpiredActive(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.dueIDs(ctx, s.keys.activeIndex(), now, limit)
}

// ExpiredPending returns ids of pending battles whose challenge window closed
func (s *BattleStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.dueIDs(ctx, s.keys.pendingIndex(), now, limit)
}

func (s *BattleStore) dueIDs(ctx context.Context, index string, now time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   milliScore(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due battles: %w", err)
	}
	return ids, nil
}

// reindex moves the battle between the pending and active indexes
func (s *BattleStore) reindex(ctx context.Context, pipe redis.Pipeliner, prev, next *domain.Battle) {
	if prev.Status == next.Status {
		return
	}
	switch prev.Status {
	case domain.StatusPending:
		pipe.ZRem(ctx, s.keys.pendingIndex(), next.ID)
	case domain.StatusActive:
		pipe.ZRem(ctx, s.keys.activeIndex(), next.ID)
	}
	if next.Status == domain.StatusActive && next.EndTime != nil {
		pipe.ZAdd(ctx, s.keys.activeIndex(), redis.Z{Score: unixMilli(*next.EndTime), Member: next.ID})
	}
}

// getter is satisfied by both *redis.Client and *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *BattleStore) load(ctx context.Context, c getter, id string) (*domain.Battle, error) {
	raw, err := c.Get(ctx, s.keys.battle(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrBattleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading battle: %w", err)
	}
	var b domain.Battle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decoding battle %s: %w", id, err)
	}
	return &b, nil
}

func (s *BattleStore) loadMany(ctx context.Context, ids []string) ([]*domain.Battle, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	battleKeys := make([]string, len(ids))
	for i, id := range ids {
		battleKeys[i] = s.keys.battle(id)
	}
	values, err := s.client.MGet(ctx, battleKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading battles: %w", err)
	}

	battles := make([]*domain.Battle, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var b domain.Battle
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			s.logger.Warn("skipping undecodable battle", "battle_id", ids[i], "error", err)
			continue
		}
		battles = append(battles, &b)
	}
	return battles, nil
}

// watch runs txf under WATCH on keys, retrying when the transaction aborts
func (s *BattleStore) watch(ctx context.Context, txf func(*redis.Tx) error, watched ...string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, watched...)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("battle transaction conflict, retrying", "keys", watched, "attempt", attempt+1)
	}
	return domain.ErrConflict
}
