package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/domain"
)

// Store persists battles. Update must apply fn atomically with respect to
// other writers of the same battle and must not write anything when fn
// returns an error.
type Store interface {
	Create(ctx context.Context, b *domain.Battle) error
	Get(ctx context.Context, id string) (*domain.Battle, error)
	Update(ctx context.Context, id string, fn func(*domain.Battle) error) (*domain.Battle, error)
	ListActive(ctx context.Context, limit int) ([]*domain.Battle, error)
	ExpiredActive(ctx context.Context, now time.Time, limit int) ([]string, error)
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// BanGate answers whether a user is currently barred from acting
type BanGate interface {
	Check(ctx context.Context, userID string) (domain.BanStatus, error)
}

// NotificationSink stores per-user notifications
type NotificationSink interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Recorder receives every battle that reached a terminal state
type Recorder interface {
	RecordResult(ctx context.Context, b *domain.Battle) error
}

// Rules are the battle parameters taken from configuration
type Rules struct {
	DefaultDuration  time.Duration
	MinDuration      time.Duration
	MaxDuration      time.Duration
	ChallengeTTL     time.Duration
	MaxGiftValue     int64
	MaxMessageLength int
}

// RulesFromConfig builds Rules from the battle config section
func RulesFromConfig(cfg config.BattleConfig) Rules {
	return Rules{
		DefaultDuration:  cfg.DefaultDuration,
		MinDuration:      cfg.MinDuration,
		MaxDuration:      cfg.MaxDuration,
		ChallengeTTL:     cfg.ChallengeTTL,
		MaxGiftValue:     cfg.MaxGiftValue,
		MaxMessageLength: 200,
	}
}

// Engine owns the battle state machine. All mutations of one battle are
// serialized through an in-process lock and the store's atomic Update.
type Engine struct {
	store     Store
	gate      BanGate
	sink      NotificationSink
	recorders []Recorder
	rules     Rules
	locks     *keyedMutex
	logger    *slog.Logger

	now           func() time.Time
	newID         func() string
	effectTimeout time.Duration
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides battle and record id generation
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithRules overrides the default battle rules
func WithRules(r Rules) Option {
	return func(e *Engine) { e.rules = r }
}

// WithRecorders registers result recorders run after terminal transitions
func WithRecorders(rs ...Recorder) Option {
	return func(e *Engine) { e.recorders = append(e.recorders, rs...) }
}

// WithEffectTimeout bounds notification and recorder calls
func WithEffectTimeout(d time.Duration) Option {
	return func(e *Engine) { e.effectTimeout = d }
}

var errMissingCollaborator = errors.New("engine: store, ban gate and notification sink are required")

// New creates an engine. Every collaborator is required.
func New(store Store, gate BanGate, sink NotificationSink, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if store == nil || gate == nil || sink == nil {
		return nil, errMissingCollaborator
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:         store,
		gate:          gate,
		sink:          sink,
		rules:         RulesFromConfig(config.DefaultConfig().Battle),
		locks:         newKeyedMutex(),
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
		effectTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Now returns the engine clock reading
func (e *Engine) Now() time.Time {
	return e.now()
}

// Rules returns the active battle rules
func (e *Engine) Rules() Rules {
	return e.rules
}

type clearedUserKey struct{}

// WithClearedUser marks userID as already admitted by the ban gate for the
// lifetime of ctx, so the engine does not ask the gate again
func WithClearedUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, clearedUserKey{}, userID)
}

// CheckBan returns a *domain.BanError when userID is banned
func (e *Engine) CheckBan(ctx context.Context, userID string) error {
	if cleared, ok := ctx.Value(clearedUserKey{}).(string); ok && cleared == userID {
		return nil
	}
	status, err := e.gate.Check(ctx, userID)
	if err != nil {
		return fmt.Errorf("checking ban status: %w", err)
	}
	if status.Banned {
		return &domain.BanError{Status: status}
	}
	return nil
}
