package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pk-battle/internal/domain"
	"github.com/redis/go-redis/v9"
)

// BanCache caches ban gate answers so every socket action does not hit Postgres
type BanCache struct {
	client *redis.Client
	keys   keys
	ttl    time.Duration
}

// NewBanCache creates a ban cache whose entries live at most ttl
func NewBanCache(client *redis.Client, prefix string, ttl time.Duration) *BanCache {
	return &BanCache{client: client, keys: keys{prefix: prefix}, ttl: ttl}
}

// Get returns the cached status. ok is false on a miss.
func (c *BanCache) Get(ctx context.Context, userID string) (status domain.BanStatus, ok bool, err error) {
	raw, err := c.client.Get(ctx, c.keys.ban(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BanStatus{}, false, nil
	}
	if err != nil {
		return domain.BanStatus{}, false, fmt.Errorf("reading ban cache: %w", err)
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return domain.BanStatus{}, false, fmt.Errorf("decoding ban cache: %w", err)
	}
	return status, true, nil
}

// Set caches status. A temporary ban is never cached past its end.
func (c *BanCache) Set(ctx context.Context, status domain.BanStatus, now time.Time) error {
	ttl := c.ttl
	if status.Banned && !status.Permanent && status.Until != nil {
		ttl = min(ttl, status.Until.Sub(now))
	}
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encoding ban status: %w", err)
	}
	if err := c.client.Set(ctx, c.keys.ban(status.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("writing ban cache: %w", err)
	}
	return nil
}

// Invalidate drops the cached status of a user
func (c *BanCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.keys.ban(userID)).Err(); err != nil {
		return fmt.Errorf("invalidating ban cache: %w", err)
	}
	return nil
}
