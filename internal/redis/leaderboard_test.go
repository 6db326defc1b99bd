package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pk-battle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishedBattle(id, challenger, opponent string, cScore, oScore int64) *domain.Battle {
	b := newPending(id, challenger, opponent)
	b.Challenger.Username = challenger + "-name"
	if err := b.Accept(opponent, testNow); err != nil {
		panic(err)
	}
	b.Challenger.Score = cScore
	b.Opponent.Score = oScore
	b.Resolve(testNow.Add(time.Hour))
	return b
}

func TestLeaderboardRecordsResults(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	lb := NewLeaderboardService(client, "pk", slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, lb.RecordResult(ctx, finishedBattle("B1", "U1", "U2", 100, 50)))
	require.NoError(t, lb.RecordResult(ctx, finishedBattle("B2", "U1", "U3", 30, 10)))
	require.NoError(t, lb.RecordResult(ctx, finishedBattle("B3", "U2", "U1", 80, 20)))
	require.NoError(t, lb.RecordResult(ctx, finishedBattle("B4", "U1", "U2", 40, 40)))

	// counting the same battle twice is a no-op
	require.NoError(t, lb.RecordResult(ctx, finishedBattle("B1", "U1", "U2", 100, 50)))

	stats, err := lb.GetUserStats(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Battles)
	assert.Equal(t, int64(2), stats.Wins)
	assert.Equal(t, int64(1), stats.Losses)
	assert.Equal(t, int64(1), stats.Draws)
	assert.Equal(t, int64(0), stats.Streak)
	assert.Equal(t, int64(2), stats.BestStreak)
	assert.Equal(t, int64(190), stats.TotalScore)
	assert.Equal(t, int64(50), stats.WinRate())

	top, err := lb.GetTopN(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "U1", top[0].UserID)
	assert.Equal(t, "U1-name", top[0].Username)
	assert.Equal(t, int64(2), top[0].Wins)
	assert.Equal(t, "U2", top[1].UserID)
	assert.Equal(t, int64(2), top[1].Rank)

	count, err := lb.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLeaderboardIgnoresUnfinishedBattles(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	lb := NewLeaderboardService(client, "pk", slog.New(slog.NewTextHandler(io.Discard, nil)))

	declined := newPending("B1", "U1", "U2")
	require.NoError(t, declined.Decline("U2", testNow))
	require.NoError(t, lb.RecordResult(ctx, declined))

	stats, err := lb.GetUserStats(ctx, "U1")
	require.NoError(t, err)
	assert.Zero(t, stats.Battles)
}

func TestLeaderboardBuiltMarker(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)
	lb := NewLeaderboardService(client, "pk", slog.New(slog.NewTextHandler(io.Discard, nil)))

	built, err := lb.Built(ctx)
	require.NoError(t, err)
	assert.False(t, built)

	require.NoError(t, lb.MarkBuilt(ctx))
	built, err = lb.Built(ctx)
	require.NoError(t, err)
	assert.True(t, built)
}

func TestBanCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	cache := NewBanCache(client, "pk", 30*time.Second)

	_, ok, err := cache.Get(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, ok)

	until := testNow.Add(10 * time.Second)
	require.NoError(t, cache.Set(ctx, domain.BanStatus{UserID: "U1", Banned: true, Until: &until}, testNow))
	assert.Equal(t, 10*time.Second, mr.TTL("pk:ban:U1"))

	got, ok, err := cache.Get(ctx, "U1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Banned)

	require.NoError(t, cache.Set(ctx, domain.BanStatus{UserID: "U2"}, testNow))
	assert.Equal(t, 30*time.Second, mr.TTL("pk:ban:U2"))

	require.NoError(t, cache.Invalidate(ctx, "U1"))
	_, ok, err = cache.Get(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(31 * time.Second)
	_, ok, err = cache.Get(ctx, "U2")
	require.NoError(t, err)
	assert.False(t, ok)
}
