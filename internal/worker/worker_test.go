package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/domain"
	"github.com/pk-battle/internal/engine"
	"github.com/pk-battle/internal/memstore"
	pkredis "github.com/pk-battle/internal/redis"
	"github.com/pk-battle/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type openGate struct{}

func (openGate) Check(_ context.Context, userID string) (domain.BanStatus, error) {
	return domain.BanStatus{UserID: userID}, nil
}

type nopSink struct{}

func (nopSink) Notify(context.Context, domain.Notification) error { return nil }

type countingPublisher struct {
	mu     sync.Mutex
	counts map[string]int
}

func (p *countingPublisher) Publish(event string, _ any, _ ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[event]++
}

func (p *countingPublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[event]
}

type fixture struct {
	engine *engine.Engine
	router *service.EventRouter
	clock  *clock
	pub    *countingPublisher
	cfg    *config.SweepConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		pub:   &countingPublisher{counts: map[string]int{}},
		cfg:   &config.SweepConfig{Interval: 10 * time.Millisecond, BatchSize: 100, Concurrency: 4, Enabled: true},
	}
	eng, err := engine.New(memstore.New(), openGate{}, nopSink{}, discard, engine.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.engine = eng
	f.router = service.NewEventRouter(eng, nil, f.pub, discard)
	return f
}

func (f *fixture) challenge(t *testing.T, i int) *domain.Battle {
	t.Helper()
	b, err := f.router.Challenge(context.Background(), domain.ChallengeRequest{
		Challenger: domain.Participant{UserID: fmt.Sprintf("C%d", i), StreamID: fmt.Sprintf("cs%d", i)},
		Opponent:   domain.Participant{UserID: fmt.Sprintf("O%d", i), StreamID: fmt.Sprintf("os%d", i)},
		Duration:   60,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) start(t *testing.T, i int) *domain.Battle {
	t.Helper()
	b := f.challenge(t, i)
	b, err := f.router.Accept(context.Background(), b.ID, b.Opponent.User)
	require.NoError(t, err)
	return b
}

func TestSweepResolvesAndExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.start(t, i)
	}
	pending := f.challenge(t, 9)

	sweeper := NewSweeper(f.engine, f.router, f.cfg, discard)
	assert.Equal(t, SweepResult{}, sweeper.RunOnce(ctx), "nothing is due yet")

	f.clock.Advance(2 * time.Minute)
	res := sweeper.RunOnce(ctx)
	assert.Equal(t, SweepResult{Resolved: 3, Expired: 1}, res)
	assert.Equal(t, 3, f.pub.count(service.EventBattleEnded))
	assert.Equal(t, 1, f.pub.count(service.EventBattleCancelled))

	b, err := f.engine.Status(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, b.Status)
	assert.Equal(t, domain.StatusReasonChallengeExpired, b.StatusReason)

	assert.Equal(t, SweepResult{}, sweeper.RunOnce(ctx))
}

func TestConcurrentSweepsResolveOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.start(t, i)
	}
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := NewSweeper(f.engine, f.router, f.cfg, discard).RunOnce(ctx)
			mu.Lock()
			total += res.Resolved
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), total)
	assert.Equal(t, 10, f.pub.count(service.EventBattleEnded))
}

func TestSweeperStartStop(t *testing.T) {
	f := newFixture(t)
	f.start(t, 1)
	f.clock.Advance(time.Hour)

	sweeper := NewSweeper(f.engine, f.router, f.cfg, discard)
	require.NoError(t, sweeper.Start(context.Background()))
	assert.True(t, sweeper.IsRunning())

	require.Eventually(t, func() bool {
		return f.pub.count(service.EventBattleEnded) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, sweeper.Stop())
	assert.False(t, sweeper.IsRunning())
}

type sliceArchive []*domain.Battle

func (a sliceArchive) EachFinished(_ context.Context, fn func(*domain.Battle) error) error {
	for _, b := range a {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func finished(id, challenger, opponent string, cScore, oScore int64) *domain.Battle {
	b := &domain.Battle{
		ID:         id,
		Status:     domain.StatusFinished,
		Challenger: domain.Side{User: challenger, StreamID: "s-" + challenger, Score: cScore},
		Opponent:   domain.Side{User: opponent, StreamID: "s-" + opponent, Score: oScore},
	}
	switch {
	case cScore > oScore:
		b.Winner = &b.Challenger.User
	case oScore > cScore:
		b.Winner = &b.Opponent.User
	default:
		b.IsDraw = true
	}
	return b
}

func TestRebuildLeaderboard(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	lb := pkredis.NewLeaderboardService(client, "pk", discard)

	archive := sliceArchive{
		finished("B1", "U1", "U2", 100, 50),
		finished("B2", "U1", "U3", 10, 20),
		finished("B3", "U2", "U1", 0, 30),
	}
	require.NoError(t, RebuildLeaderboard(ctx, archive, lb, discard))

	built, err := lb.Built(ctx)
	require.NoError(t, err)
	assert.True(t, built)

	stats, err := lb.GetUserStats(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Battles)
	assert.Equal(t, int64(2), stats.Wins)

	// a second rebuild is a no-op
	require.NoError(t, RebuildLeaderboard(ctx, append(archive, finished("B4", "U1", "U2", 9, 0)), lb, discard))
	stats, err = lb.GetUserStats(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Battles)
}
