package domain

import (
	"math"
	"slices"
	"time"
)

// Status represents the lifecycle state of a battle
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusDeclined || s == StatusCancelled
}

// SideName identifies one of the two participants
type SideName string

const (
	SideChallenger SideName = "challenger"
	SideOpponent   SideName = "opponent"
)

// StatusReasonChallengeExpired marks a pending battle cancelled by the sweeper
const StatusReasonChallengeExpired = "challenge_expired"

// Gift is an immutable record of a gift received by a side. Sender fields are
// a snapshot taken when the gift was applied.
type Gift struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	FromName  string    `json:"fromUsername,omitempty"`
	GiftType  string    `json:"giftType"`
	Value     int64     `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Vote is a single endorsement cast by a viewer
type Vote struct {
	Voter     string    `json:"voter"`
	For       string    `json:"for"`
	Side      SideName  `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// Side is one participant of a battle
type Side struct {
	User          string `json:"user"`
	Username      string `json:"username,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
	StreamID      string `json:"streamId"`
	Score         int64  `json:"score"`
	GiftsReceived []Gift `json:"giftsReceived"`
	GiftsCount    int64  `json:"giftsCount"`
	VoteCount     int64  `json:"voteCount"`
}

// Battle is the aggregate for one PK contest
type Battle struct {
	ID                 string     `json:"id"`
	Status             Status     `json:"status"`
	StatusReason       string     `json:"statusReason,omitempty"`
	Challenger         Side       `json:"challenger"`
	Opponent           Side       `json:"opponent"`
	Votes              []Vote     `json:"votes"`
	Duration           int        `json:"duration"`
	Message            string     `json:"message,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	ChallengeExpiresAt time.Time  `json:"challengeExpiresAt"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	EndTime            *time.Time `json:"endTime,omitempty"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
	Winner             *string    `json:"winner"`
	IsDraw             bool       `json:"isDraw"`
	Version            int64      `json:"version"`
}

// ChallengeRequest is the input for creating a pending battle
type ChallengeRequest struct {
	Challenger Participant `json:"challenger"`
	Opponent   Participant `json:"opponent"`
	Duration   int         `json:"duration,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// Participant is the display snapshot of a user entering a battle
type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	StreamID string `json:"streamId"`
}

// GiftCommand is a request to add a gift to one side of a battle. GiftID is
// optional; a command whose id is already credited is a no-op.
type GiftCommand struct {
	GiftID          string `json:"giftId,omitempty"`
	BattleID        string `json:"battleId"`
	RecipientUserID string `json:"recipientUserId"`
	GiftType        string `json:"giftType"`
	GiftValue       int64  `json:"giftValue"`
	SenderID        string `json:"senderId"`
	SenderName      string `json:"senderName,omitempty"`
}

// Side returns a pointer to the named side
func (b *Battle) Side(name SideName) *Side {
	if name == SideChallenger {
		return &b.Challenger
	}
	return &b.Opponent
}

// SideOf resolves which side a user id belongs to
func (b *Battle) SideOf(userID string) (SideName, bool) {
	switch userID {
	case "":
		return "", false
	case b.Challenger.User:
		return SideChallenger, true
	case b.Opponent.User:
		return SideOpponent, true
	}
	return "", false
}

// Participants returns the user ids of both sides
func (b *Battle) Participants() []string {
	return []string{b.Challenger.User, b.Opponent.User}
}

// HasVoted reports whether the voter already has a vote recorded
func (b *Battle) HasVoted(voterID string) bool {
	for _, v := range b.Votes {
		if v.Voter == voterID {
			return true
		}
	}
	return false
}

// Accept moves a pending battle to active. A challenge past its expiry can
// no longer be accepted.
func (b *Battle) Accept(userID string, now time.Time) error {
	if b.Status != StatusPending {
		return ErrInvalidState
	}
	if userID != b.Opponent.User {
		return ErrNotAuthorized
	}
	if !b.ChallengeExpiresAt.IsZero() && !now.Before(b.ChallengeExpiresAt) {
		return ErrChallengeExpired
	}
	start := now
	end := start.Add(time.Duration(b.Duration) * time.Second)
	b.Status = StatusActive
	b.StartTime = &start
	b.EndTime = &end
	return nil
}

// Decline moves a pending battle to declined
func (b *Battle) Decline(userID string, now time.Time) error {
	if b.Status != StatusPending {
		return ErrInvalidState
	}
	if userID != b.Opponent.User {
		return ErrNotAuthorized
	}
	b.Status = StatusDeclined
	b.FinishedAt = &now
	return nil
}

// Cancel moves a pending battle to cancelled on behalf of the challenger
func (b *Battle) Cancel(userID string, now time.Time) error {
	if b.Status != StatusPending {
		return ErrInvalidState
	}
	if userID != b.Challenger.User {
		return ErrNotAuthorized
	}
	b.Status = StatusCancelled
	b.FinishedAt = &now
	return nil
}

// ExpireChallenge cancels a pending battle nobody answered in time.
// Returns false when there is nothing to do.
func (b *Battle) ExpireChallenge(now time.Time) bool {
	if b.Status != StatusPending || now.Before(b.ChallengeExpiresAt) {
		return false
	}
	b.Status = StatusCancelled
	b.StatusReason = StatusReasonChallengeExpired
	b.FinishedAt = &now
	return true
}

// AddGift credits a gift to the recipient side
func (b *Battle) AddGift(side SideName, gift Gift) error {
	if b.Status != StatusActive {
		return ErrNotActive
	}
	if gift.Value <= 0 {
		return ErrInvalidGiftValue
	}
	s := b.Side(side)
	if s.Score > math.MaxInt64-gift.Value {
		return ErrGiftTooLarge
	}
	s.GiftsReceived = append(s.GiftsReceived, gift)
	s.Score += gift.Value
	s.GiftsCount++
	return nil
}

// HasGift reports whether a gift with id was credited to either side
func (b *Battle) HasGift(id string) bool {
	for _, s := range []*Side{&b.Challenger, &b.Opponent} {
		for _, g := range s.GiftsReceived {
			if g.ID == id {
				return true
			}
		}
	}
	return false
}

// AddVote records a vote for a side. A voter may vote once per battle.
func (b *Battle) AddVote(vote Vote) error {
	if b.Status != StatusActive {
		return ErrNotActive
	}
	if b.HasVoted(vote.Voter) {
		return ErrAlreadyVoted
	}
	b.Votes = append(b.Votes, vote)
	b.Side(vote.Side).VoteCount++
	return nil
}

// Expired reports whether an active battle has reached its end time
func (b *Battle) Expired(now time.Time) bool {
	return b.Status == StatusActive && b.EndTime != nil && !now.Before(*b.EndTime)
}

// Resolve finishes an expired active battle and determines the winner.
// It is a no-op returning false for any other battle.
func (b *Battle) Resolve(now time.Time) bool {
	if !b.Expired(now) {
		return false
	}
	b.determineWinner()
	b.Status = StatusFinished
	b.FinishedAt = &now
	return true
}

// determineWinner compares scores only; equal scores are a draw
func (b *Battle) determineWinner() {
	switch {
	case b.Challenger.Score > b.Opponent.Score:
		winner := b.Challenger.User
		b.Winner = &winner
		b.IsDraw = false
	case b.Opponent.Score > b.Challenger.Score:
		winner := b.Opponent.User
		b.Winner = &winner
		b.IsDraw = false
	default:
		b.Winner = nil
		b.IsDraw = true
	}
}

// WinnerSide returns the side of the winner, if any
func (b *Battle) WinnerSide() (SideName, bool) {
	if b.Winner == nil {
		return "", false
	}
	return b.SideOf(*b.Winner)
}

// TimeRemaining returns whole seconds until the end time, never negative
func (b *Battle) TimeRemaining(now time.Time) int64 {
	if b.Status != StatusActive || b.EndTime == nil {
		return 0
	}
	remaining := int64(b.EndTime.Sub(now) / time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ChallengerPercentage is the challenger's share of the combined score
func (b *Battle) ChallengerPercentage() int {
	total := b.Challenger.Score + b.Opponent.Score
	if total == 0 {
		return 50
	}
	return int((b.Challenger.Score*100 + total/2) / total)
}

// TotalGifts counts gifts received by both sides
func (b *Battle) TotalGifts() int64 {
	return b.Challenger.GiftsCount + b.Opponent.GiftsCount
}

// Clone returns a deep copy so callers can mutate without sharing slices
func (b *Battle) Clone() *Battle {
	c := *b
	c.Challenger.GiftsReceived = slices.Clone(b.Challenger.GiftsReceived)
	c.Opponent.GiftsReceived = slices.Clone(b.Opponent.GiftsReceived)
	c.Votes = slices.Clone(b.Votes)
	c.StartTime = copyTime(b.StartTime)
	c.EndTime = copyTime(b.EndTime)
	c.FinishedAt = copyTime(b.FinishedAt)
	if b.Winner != nil {
		w := *b.Winner
		c.Winner = &w
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Validate checks the aggregate invariants
func (b *Battle) Validate() error {
	switch b.Status {
	case StatusPending, StatusActive, StatusFinished, StatusDeclined, StatusCancelled:
	default:
		return ErrCorruptBattle
	}
	if b.Challenger.Score < 0 || b.Opponent.Score < 0 {
		return ErrCorruptBattle
	}
	seen := make(map[string]struct{}, len(b.Votes))
	for _, v := range b.Votes {
		if _, ok := seen[v.Voter]; ok {
			return ErrCorruptBattle
		}
		seen[v.Voter] = struct{}{}
	}
	if b.Status != StatusFinished && (b.Winner != nil || b.IsDraw) {
		return ErrCorruptBattle
	}
	if b.Status == StatusPending && (b.StartTime != nil || b.EndTime != nil) {
		return ErrCorruptBattle
	}
	return nil
}
