package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/pk-battle/internal/domain"
)

// errUnchanged aborts a store update that has nothing to write
var errUnchanged = errors.New("battle unchanged")

// GiftResult is the outcome of an applied gift
type GiftResult struct {
	Battle *domain.Battle
	Gift   domain.Gift
	Side   domain.SideName
	// Duplicate is set when the gift id was already credited and nothing
	// changed
	Duplicate bool
}

// VoteResult is the outcome of an applied vote
type VoteResult struct {
	Battle *domain.Battle
	Vote   domain.Vote
}

// Challenge creates a pending battle between two streamers
func (e *Engine) Challenge(ctx context.Context, req domain.ChallengeRequest) (*domain.Battle, error) {
	if err := ValidateChallenge(req); err != nil {
		return nil, err
	}
	duration, err := e.clampDuration(req.Duration)
	if err != nil {
		return nil, err
	}
	if err := e.CheckBan(ctx, req.Challenger.UserID); err != nil {
		return nil, err
	}

	now := e.now()
	b := &domain.Battle{
		ID:                 e.newID(),
		Status:             domain.StatusPending,
		Challenger:         newSide(req.Challenger),
		Opponent:           newSide(req.Opponent),
		Votes:              []domain.Vote{},
		Duration:           duration,
		Message:            truncate(req.Message, e.rules.MaxMessageLength),
		CreatedAt:          now,
		ChallengeExpiresAt: now.Add(e.rules.ChallengeTTL),
	}

	if err := e.store.Create(ctx, b); err != nil {
		if domain.IsRecoverable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("creating battle: %w", err)
	}

	e.logger.Info("battle challenge created",
		"battle_id", b.ID,
		"challenger_id", b.Challenger.User,
		"opponent_id", b.Opponent.User,
		"duration", b.Duration,
	)

	e.notify(ctx, domain.Notification{
		UserID:   b.Opponent.User,
		FromUser: b.Challenger.User,
		Type:     "pk_challenge",
		Message:  fmt.Sprintf("%s challenged you to a PK battle", displayName(b.Challenger)),
		Link:     battleLink(b.ID),
		Metadata: map[string]any{"battleId": b.ID, "duration": b.Duration},
	})
	return b, nil
}

// Accept starts a pending battle on behalf of the opponent
func (e *Engine) Accept(ctx context.Context, battleID, userID string) (*domain.Battle, error) {
	b, err := e.pendingTransition(ctx, battleID, userID, func(b *domain.Battle, now time.Time) error {
		return b.Accept(userID, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("battle started", "battle_id", b.ID, "end_time", b.EndTime)
	e.notify(ctx, domain.Notification{
		UserID:   b.Challenger.User,
		FromUser: b.Opponent.User,
		Type:     "pk_accepted",
		Message:  fmt.Sprintf("%s accepted your PK challenge", displayName(b.Opponent)),
		Link:     battleLink(b.ID),
		Metadata: map[string]any{"battleId": b.ID},
	})
	return b, nil
}

// Decline rejects a pending battle on behalf of the opponent
func (e *Engine) Decline(ctx context.Context, battleID, userID string) (*domain.Battle, error) {
	b, err := e.pendingTransition(ctx, battleID, userID, func(b *domain.Battle, now time.Time) error {
		return b.Decline(userID, now)
	})
	if err != nil {
		return nil, err
	}
	e.afterTerminal(ctx, b)
	return b, nil
}

// Cancel withdraws a pending battle on behalf of the challenger
func (e *Engine) Cancel(ctx context.Context, battleID, userID string) (*domain.Battle, error) {
	b, err := e.pendingTransition(ctx, battleID, userID, func(b *domain.Battle, now time.Time) error {
		return b.Cancel(userID, now)
	})
	if err != nil {
		return nil, err
	}
	e.afterTerminal(ctx, b)
	return b, nil
}

func (e *Engine) pendingTransition(ctx context.Context, battleID, userID string, apply func(*domain.Battle, time.Time) error) (*domain.Battle, error) {
	if err := ValidateTransition(battleID, userID); err != nil {
		return nil, err
	}
	if err := e.CheckBan(ctx, userID); err != nil {
		return nil, err
	}
	return e.mutate(ctx, battleID, func(b *domain.Battle) error {
		return apply(b, e.now())
	})
}

// Gift credits a gift to the side of the recipient user
func (e *Engine) Gift(ctx context.Context, cmd domain.GiftCommand) (*GiftResult, error) {
	if err := e.ValidateGift(cmd); err != nil {
		return nil, err
	}
	if err := e.CheckBan(ctx, cmd.SenderID); err != nil {
		return nil, err
	}

	var res GiftResult
	var seen *domain.Battle
	b, err := e.mutate(ctx, cmd.BattleID, func(b *domain.Battle) error {
		if cmd.GiftID != "" && b.HasGift(cmd.GiftID) {
			seen = b.Clone()
			return errUnchanged
		}
		now := e.now()
		if b.Status != domain.StatusActive || b.Expired(now) {
			return domain.ErrNotActive
		}
		side, ok := b.SideOf(cmd.RecipientUserID)
		if !ok {
			return domain.ErrInvalidRecipient
		}
		id := cmd.GiftID
		if id == "" {
			id = e.newID()
		}
		gift := domain.Gift{
			ID:        id,
			From:      cmd.SenderID,
			FromName:  cmd.SenderName,
			GiftType:  cmd.GiftType,
			Value:     cmd.GiftValue,
			Timestamp: now,
		}
		if err := b.AddGift(side, gift); err != nil {
			return err
		}
		res.Gift = gift
		res.Side = side
		return nil
	})
	if errors.Is(err, errUnchanged) {
		e.logger.Debug("duplicate gift ignored", "battle_id", cmd.BattleID, "gift_id", cmd.GiftID)
		return &GiftResult{Battle: seen, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	res.Battle = b
	return &res, nil
}

// Vote records a single vote of voterID for the side of recipientUserID
func (e *Engine) Vote(ctx context.Context, battleID, voterID, recipientUserID string) (*VoteResult, error) {
	if err := ValidateVote(battleID, voterID, recipientUserID); err != nil {
		return nil, err
	}
	if err := e.CheckBan(ctx, voterID); err != nil {
		return nil, err
	}

	var res VoteResult
	b, err := e.mutate(ctx, battleID, func(b *domain.Battle) error {
		now := e.now()
		if b.Status != domain.StatusActive || b.Expired(now) {
			return domain.ErrNotActive
		}
		side, ok := b.SideOf(recipientUserID)
		if !ok {
			return domain.ErrInvalidRecipient
		}
		vote := domain.Vote{Voter: voterID, For: recipientUserID, Side: side, Timestamp: now}
		if err := b.AddVote(vote); err != nil {
			return err
		}
		res.Vote = vote
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Battle = b
	return &res, nil
}

// Resolve finishes the battle if its end time has passed. Resolving a battle
// that is not due or already terminal is a no-op reported by resolved=false.
func (e *Engine) Resolve(ctx context.Context, battleID string) (b *domain.Battle, resolved bool, err error) {
	if battleID == "" {
		return nil, false, domain.ValidationError("battleId is required")
	}
	b, resolved, err = e.mutateIf(ctx, battleID, func(b *domain.Battle) bool {
		return b.Resolve(e.now())
	})
	if err != nil || !resolved {
		return b, resolved, err
	}

	if b.IsDraw {
		e.logger.Info("battle finished in a draw", "battle_id", b.ID, "score", b.Challenger.Score)
	} else {
		e.logger.Info("battle finished",
			"battle_id", b.ID,
			"winner_id", *b.Winner,
			"challenger_score", b.Challenger.Score,
			"opponent_score", b.Opponent.Score,
		)
	}
	e.afterTerminal(ctx, b)
	return b, true, nil
}

// ExpireChallenge cancels a pending battle whose response window has passed
func (e *Engine) ExpireChallenge(ctx context.Context, battleID string) (*domain.Battle, bool, error) {
	b, expired, err := e.mutateIf(ctx, battleID, func(b *domain.Battle) bool {
		return b.ExpireChallenge(e.now())
	})
	if err != nil || !expired {
		return b, expired, err
	}
	e.logger.Info("battle challenge expired", "battle_id", b.ID)
	e.afterTerminal(ctx, b)
	return b, true, nil
}

// Status returns the current battle without changing it
func (e *Engine) Status(ctx context.Context, battleID string) (*domain.Battle, error) {
	if battleID == "" {
		return nil, domain.ValidationError("battleId is required")
	}
	b, err := e.store.Get(ctx, battleID)
	if err != nil {
		if domain.IsRecoverable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("loading battle %s: %w", battleID, err)
	}
	return b, nil
}

// ActiveBattles lists battles currently in progress
func (e *Engine) ActiveBattles(ctx context.Context, limit int) ([]*domain.Battle, error) {
	battles, err := e.store.ListActive(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing active battles: %w", err)
	}
	return battles, nil
}

// DueBattles returns ids of active battles past their end time and pending
// battles past their challenge window
func (e *Engine) DueBattles(ctx context.Context, limit int) (active, pending []string, err error) {
	now := e.now()
	active, err = e.store.ExpiredActive(ctx, now, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("listing expired active battles: %w", err)
	}
	pending, err = e.store.ExpiredPending(ctx, now, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("listing expired challenges: %w", err)
	}
	return active, pending, nil
}

func (e *Engine) mutate(ctx context.Context, battleID string, fn func(*domain.Battle) error) (*domain.Battle, error) {
	unlock := e.locks.Lock(battleID)
	defer unlock()

	b, err := e.store.Update(ctx, battleID, fn)
	if err != nil {
		if domain.IsRecoverable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("updating battle %s: %w", battleID, err)
	}
	return b, nil
}

// mutateIf writes the battle only when change reports a transition
func (e *Engine) mutateIf(ctx context.Context, battleID string, change func(*domain.Battle) bool) (*domain.Battle, bool, error) {
	var seen *domain.Battle
	b, err := e.mutate(ctx, battleID, func(b *domain.Battle) error {
		if !change(b) {
			seen = b.Clone()
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return seen, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (e *Engine) clampDuration(seconds int) (int, error) {
	if seconds < 0 {
		return 0, domain.ValidationError("duration must not be negative")
	}
	d := time.Duration(seconds) * time.Second
	if seconds == 0 {
		d = e.rules.DefaultDuration
	}
	d = max(d, e.rules.MinDuration)
	d = min(d, e.rules.MaxDuration)
	return int(d / time.Second), nil
}

func newSide(p domain.Participant) domain.Side {
	return domain.Side{
		User:          p.UserID,
		Username:      p.Username,
		Avatar:        p.Avatar,
		StreamID:      p.StreamID,
		GiftsReceived: []domain.Gift{},
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
