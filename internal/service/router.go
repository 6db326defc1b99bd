// Package service routes protocol events to the battle engine and fans the
// results out to rooms.
package service

import (
	"context"
	"log/slog"

	"github.com/pk-battle/internal/domain"
	"github.com/pk-battle/internal/engine"
)

// Conn is the connection an event arrived on
type Conn interface {
	ID() string
	Reply(event string, payload any)
	Join(room string)
	Leave(room string)
}

// Publisher delivers an event to every connection subscribed to at least one
// of rooms. A connection in several of the rooms receives it once.
type Publisher interface {
	Publish(event string, payload any, rooms ...string)
}

// Moderator applies strikes and lifts bans
type Moderator interface {
	ApplyViolation(ctx context.Context, userID, reason string) (domain.ModerationResult, error)
	Unban(ctx context.Context, userID, reason string) (domain.ModerationResult, error)
}

var errStrikesDisabled = &domain.CodedError{Code: domain.CodeNotAuthorized, Message: "moderation strikes are disabled on this channel"}

// EventRouter validates protocol events, runs them through the engine and
// broadcasts the resulting state to the battle room and both stream rooms
type EventRouter struct {
	engine        *engine.Engine
	moderator     Moderator
	pub           Publisher
	socketStrikes bool
	logger        *slog.Logger
}

// RouterOption configures an EventRouter
type RouterOption func(*EventRouter)

// WithSocketStrikes allows moderationStrike events from socket clients
func WithSocketStrikes(enabled bool) RouterOption {
	return func(r *EventRouter) { r.socketStrikes = enabled }
}

// NewEventRouter creates a router. moderator may be nil, which disables
// strikes and unbans.
func NewEventRouter(eng *engine.Engine, moderator Moderator, pub Publisher, logger *slog.Logger, opts ...RouterOption) *EventRouter {
	r := &EventRouter{
		engine:    eng,
		moderator: moderator,
		pub:       pub,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// admit runs the acting user through the ban gate once per call
func (r *EventRouter) admit(ctx context.Context, userID string) (context.Context, error) {
	if userID == "" {
		return ctx, nil
	}
	if err := r.engine.CheckBan(ctx, userID); err != nil {
		return ctx, err
	}
	return engine.WithClearedUser(ctx, userID), nil
}

// Challenge creates a pending battle and tells the opponent about it
func (r *EventRouter) Challenge(ctx context.Context, req domain.ChallengeRequest) (*domain.Battle, error) {
	if err := engine.ValidateChallenge(req); err != nil {
		return nil, err
	}
	ctx, err := r.admit(ctx, req.Challenger.UserID)
	if err != nil {
		return nil, err
	}
	b, err := r.engine.Challenge(ctx, req)
	if err != nil {
		return nil, err
	}

	payload := newBattlePayload(b, r.engine.Now())
	r.pub.Publish(EventBattleChallenge, payload, UserRoom(b.Challenger.User), UserRoom(b.Opponent.User))
	r.pub.Publish(EventChallengeReceived, payload, StreamRoom(b.Opponent.StreamID))
	return b, nil
}

// Accept starts a pending battle
func (r *EventRouter) Accept(ctx context.Context, battleID, userID string) (*domain.Battle, error) {
	if err := engine.ValidateTransition(battleID, userID); err != nil {
		return nil, err
	}
	ctx, err := r.admit(ctx, userID)
	if err != nil {
		return nil, err
	}
	b, err := r.engine.Accept(ctx, battleID, userID)
	if err != nil {
		return nil, err
	}
	r.pub.Publish(EventBattleStarted, newBattlePayload(b, r.engine.Now()), withParticipants(b)...)
	return b, nil
}

// Decline rejects a pending battle
func (r *EventRouter) Decline(ctx context.Context, battleID, userID string) (*domain.Battle, error) {
	if err := engine.ValidateTransition(battleID, userID); err != nil {
		return nil, err
	}
	ctx, err := r.admit(ctx, userID)
	if err != nil {
		return nil, err
	}
	b, err := r.engine.Decline(ctx, battleID, userID)
	if err != nil {
		return nil, err
	}
	r.pub.Publish(EventBattleDeclined, newBattlePayload(b, r.engine.Now()), withParticipants(b)...)
	return b, nil
}

// Cancel withdraws a pending battle
func (r *EventRouter) Cancel(ctx context.Context, battleID, userID string) (*domain.Battle, error) {
	if err := engine.ValidateTransition(battleID, userID); err != nil {
		return nil, err
	}
	ctx, err := r.admit(ctx, userID)
	if err != nil {
		return nil, err
	}
	b, err := r.engine.Cancel(ctx, battleID, userID)
	if err != nil {
		return nil, err
	}
	r.pub.Publish(EventBattleCancelled, newBattlePayload(b, r.engine.Now()), withParticipants(b)...)
	return b, nil
}

// Gift applies a gift and broadcasts the new score. A gift that arrives
// after the end time triggers resolution of the battle.
func (r *EventRouter) Gift(ctx context.Context, cmd domain.GiftCommand) (*engine.GiftResult, error) {
	if err := r.engine.ValidateGift(cmd); err != nil {
		return nil, err
	}
	ctx, err := r.admit(ctx, cmd.SenderID)
	if err != nil {
		return nil, err
	}
	res, err := r.engine.Gift(ctx, cmd)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeNotActive {
			r.settle(ctx, cmd.BattleID)
		}
		return nil, err
	}
	if res.Duplicate {
		return res, nil
	}

	b := res.Battle
	rooms := audiences(b)
	pct := b.ChallengerPercentage()
	r.pub.Publish(EventScoreUpdate, ScoreUpdate{
		BattleID:             b.ID,
		ChallengerScore:      b.Challenger.Score,
		OpponentScore:        b.Opponent.Score,
		ChallengerPercentage: pct,
		OpponentPercentage:   100 - pct,
		TimeRemaining:        b.TimeRemaining(r.engine.Now()),
	}, rooms...)
	r.pub.Publish(EventGiftReceived, GiftReceived{
		BattleID:        b.ID,
		Side:            res.Side,
		RecipientUserID: cmd.RecipientUserID,
		Gift:            res.Gift,
	}, rooms...)
	return res, nil
}

// Vote records a vote and broadcasts the new vote counts
func (r *EventRouter) Vote(ctx context.Context, battleID, voterID, recipientUserID string) (*engine.VoteResult, error) {
	if err := engine.ValidateVote(battleID, voterID, recipientUserID); err != nil {
		return nil, err
	}
	ctx, err := r.admit(ctx, voterID)
	if err != nil {
		return nil, err
	}
	res, err := r.engine.Vote(ctx, battleID, voterID, recipientUserID)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeNotActive {
			r.settle(ctx, battleID)
		}
		return nil, err
	}

	b := res.Battle
	r.pub.Publish(EventVoteUpdate, VoteUpdate{
		BattleID:        b.ID,
		ChallengerVotes: b.Challenger.VoteCount,
		OpponentVotes:   b.Opponent.VoteCount,
		TotalVotes:      len(b.Votes),
	}, audiences(b)...)
	return res, nil
}

// ResolveBattle finishes a battle past its end time and broadcasts the
// outcome. Only the call that performs the transition broadcasts.
func (r *EventRouter) ResolveBattle(ctx context.Context, battleID string) (*domain.Battle, bool, error) {
	b, resolved, err := r.engine.Resolve(ctx, battleID)
	if err != nil || !resolved {
		return b, resolved, err
	}
	ended := newBattleEnded(b)
	r.pub.Publish(EventBattleEnded, ended, audiences(b)...)
	r.pub.Publish(EventBattleResult, ended, UserRoom(b.Challenger.User), UserRoom(b.Opponent.User))
	return b, true, nil
}

// ExpireChallenge cancels a pending battle nobody answered in time
func (r *EventRouter) ExpireChallenge(ctx context.Context, battleID string) (*domain.Battle, bool, error) {
	b, expired, err := r.engine.ExpireChallenge(ctx, battleID)
	if err != nil || !expired {
		return b, expired, err
	}
	r.pub.Publish(EventBattleCancelled, newBattlePayload(b, r.engine.Now()), withParticipants(b)...)
	return b, true, nil
}

// CheckTimer resolves or expires the battle when it is due and returns its
// current state
func (r *EventRouter) CheckTimer(ctx context.Context, battleID string) (*domain.Battle, error) {
	b, _, err := r.ResolveBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.Status == domain.StatusPending {
		b, _, err = r.ExpireChallenge(ctx, battleID)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Status returns the battle with its derived figures
func (r *EventRouter) Status(ctx context.Context, battleID string) (BattlePayload, error) {
	b, err := r.engine.Status(ctx, battleID)
	if err != nil {
		return BattlePayload{}, err
	}
	return newBattlePayload(b, r.engine.Now()), nil
}

// Strike applies a moderation strike and notifies the target user
func (r *EventRouter) Strike(ctx context.Context, targetUserID, reason string) (domain.ModerationResult, error) {
	if r.moderator == nil {
		return domain.ModerationResult{}, errStrikesDisabled
	}
	res, err := r.moderator.ApplyViolation(ctx, targetUserID, reason)
	if err != nil {
		return domain.ModerationResult{}, err
	}
	r.pub.Publish(EventModerationNotice, res, UserRoom(targetUserID))
	return res, nil
}

// Unban lifts a ban and notifies the user
func (r *EventRouter) Unban(ctx context.Context, userID, reason string) (domain.ModerationResult, error) {
	if r.moderator == nil {
		return domain.ModerationResult{}, errStrikesDisabled
	}
	res, err := r.moderator.Unban(ctx, userID, reason)
	if err != nil {
		return domain.ModerationResult{}, err
	}
	r.pub.Publish(EventModerationNotice, res, UserRoom(userID))
	return res, nil
}

// settle resolves a battle that rejected an action because its time ran out
func (r *EventRouter) settle(ctx context.Context, battleID string) {
	if _, _, err := r.ResolveBattle(ctx, battleID); err != nil {
		r.logger.Warn("resolving overdue battle failed", "battle_id", battleID, "error", err)
	}
}

// replyError sends err to the originating connection only. Banned users get
// a battleBannedNotice, infrastructure failures a generic message.
func (r *EventRouter) replyError(conn Conn, event string, err error) {
	if notice, ok := BannedNoticeOf(err); ok {
		conn.Reply(EventBannedNotice, notice)
		return
	}

	code := domain.CodeOf(err)
	msg := err.Error()
	if code == domain.CodeOperationFailed {
		r.logger.Error("event handling failed",
			"event", event,
			"conn_id", conn.ID(),
			"error", err,
		)
		msg = "operation failed"
	}
	conn.Reply(EventBattleError, ErrorPayload{Message: msg, Code: code})
}

// HTTPError maps err to a client message the same way socket replies do
func HTTPError(err error) (code, message string) {
	code = domain.CodeOf(err)
	if code == domain.CodeOperationFailed {
		return code, "operation failed"
	}
	return code, err.Error()
}
