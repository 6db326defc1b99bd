package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/domain"
	"golang.org/x/sync/errgroup"
)

// DueLister finds battles whose deadline has passed
type DueLister interface {
	DueBattles(ctx context.Context, limit int) (active, pending []string, err error)
}

// Settler performs the timed transitions and broadcasts them
type Settler interface {
	ResolveBattle(ctx context.Context, battleID string) (*domain.Battle, bool, error)
	ExpireChallenge(ctx context.Context, battleID string) (*domain.Battle, bool, error)
}

// SweepResult counts the transitions made by one sweep
type SweepResult struct {
	Resolved int64
	Expired  int64
	Failed   int64
}

// Sweeper periodically resolves battles past their end time and expires
// challenges nobody answered. Resolution is idempotent so several
// replicas may sweep at once.
type Sweeper struct {
	due     DueLister
	settler Settler
	config  *config.SweepConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a new sweeper
func NewSweeper(due DueLister, settler Settler, cfg *config.SweepConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		due:     due,
		settler: settler,
		config:  cfg,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background sweep
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sweeper started", "interval", w.config.Interval, "concurrency", w.config.Concurrency)

	go w.run(ctx)
	return nil
}

// Stop stops the background sweep and waits for the current pass
func (w *Sweeper) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sweeper stopped")
	return nil
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single sweep
func (w *Sweeper) RunOnce(ctx context.Context) SweepResult {
	var res SweepResult

	active, pending, err := w.due.DueBattles(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to list due battles", "error", err)
		return res
	}
	if len(active) == 0 && len(pending) == 0 {
		return res
	}

	var resolved, expired, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(max(w.config.Concurrency, 1))

	settle := func(id string, fn func(context.Context, string) (*domain.Battle, bool, error), done *atomic.Int64) {
		g.Go(func() error {
			_, changed, err := fn(ctx, id)
			switch {
			case err != nil:
				failed.Add(1)
				w.logger.Error("failed to settle battle", "battle_id", id, "error", err)
			case changed:
				done.Add(1)
			}
			return nil
		})
	}
	for _, id := range active {
		settle(id, w.settler.ResolveBattle, &resolved)
	}
	for _, id := range pending {
		settle(id, w.settler.ExpireChallenge, &expired)
	}
	_ = g.Wait()

	res = SweepResult{Resolved: resolved.Load(), Expired: expired.Load(), Failed: failed.Load()}
	w.logger.Debug("sweep completed",
		"resolved", res.Resolved,
		"expired", res.Expired,
		"failed", res.Failed,
	)
	return res
}

// IsRunning returns whether the sweeper is currently running
func (w *Sweeper) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
