package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pk-battle/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// keys builds every Redis key used by the service under one prefix
type keys struct {
	prefix string
}

func (k keys) battle(id string) string {
	return fmt.Sprintf("%s:battle:%s", k.prefix, id)
}

// activeIndex is a sorted set of active battle ids scored by end time
func (k keys) activeIndex() string {
	return k.prefix + ":battles:active"
}

// pendingIndex is a sorted set of pending battle ids scored by challenge expiry
func (k keys) pendingIndex() string {
	return k.prefix + ":battles:pending"
}

// userBattle holds the id of the user's pending or active battle
func (k keys) userBattle(userID string) string {
	return fmt.Sprintf("%s:user:%s:battle", k.prefix, userID)
}

func (k keys) userInfo(userID string) string {
	return fmt.Sprintf("%s:user:%s:info", k.prefix, userID)
}

func (k keys) wins() string {
	return k.prefix + ":leaderboard:wins"
}

// leaderboardBuilt marks that the leaderboard was replayed from the archive
func (k keys) leaderboardBuilt() string {
	return k.prefix + ":leaderboard:built"
}

func (k keys) stats(userID string) string {
	return fmt.Sprintf("%s:stats:%s", k.prefix, userID)
}

// recorded marks a battle whose result was already counted
func (k keys) recorded(battleID string) string {
	return fmt.Sprintf("%s:recorded:%s", k.prefix, battleID)
}

func (k keys) ban(userID string) string {
	return fmt.Sprintf("%s:ban:%s", k.prefix, userID)
}

func unixMilli(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func milliScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
