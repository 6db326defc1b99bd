package service

import (
	"errors"
	"time"

	"github.com/pk-battle/internal/domain"
)

// Inbound protocol events
const (
	EventJoinBattleRoom   = "joinBattleRoom"
	EventLeaveBattleRoom  = "leaveBattleRoom"
	EventJoinStreamRoom   = "joinStreamRoom"
	EventLeaveStreamRoom  = "leaveStreamRoom"
	EventJoinUserRoom     = "joinUserRoom"
	EventCheckTimer       = "checkTimer"
	EventSendGift         = "sendGift"
	EventCastVote         = "castVote"
	EventGetStatus        = "getStatus"
	EventChallenge        = "challenge"
	EventAcceptChallenge  = "acceptChallenge"
	EventDeclineChallenge = "declineChallenge"
	EventCancelChallenge  = "cancelChallenge"
	EventModerationStrike = "moderationStrike"
	EventPing             = "ping"
)

// Outbound protocol events
const (
	EventBattleChallenge   = "battleChallenge"
	EventChallengeReceived = "battleChallengeReceived"
	EventBattleStarted     = "battleStarted"
	EventBattleDeclined    = "battleDeclined"
	EventBattleCancelled   = "battleCancelled"
	EventBattleEnded       = "battleEnded"
	EventBattleResult      = "battleResult"
	EventBattleStatus      = "battleStatus"
	EventScoreUpdate       = "scoreUpdate"
	EventGiftReceived      = "giftReceived"
	EventVoteUpdate        = "voteUpdate"
	EventVoteConfirmed     = "voteConfirmed"
	EventBattleError       = "battleError"
	EventBannedNotice      = "battleBannedNotice"
	EventModerationNotice  = "moderationNotice"
	EventJoined            = "joined"
	EventLeft              = "left"
	EventPong              = "pong"
)

// BattleRoom is the room of everyone watching one battle
func BattleRoom(battleID string) string { return "battle:" + battleID }

// StreamRoom is the room of a streamer's audience
func StreamRoom(streamID string) string { return "stream:" + streamID }

// UserRoom is the direct channel of one user
func UserRoom(userID string) string { return "user:" + userID }

// audiences are the three rooms every battle state change goes to
func audiences(b *domain.Battle) []string {
	return []string{
		BattleRoom(b.ID),
		StreamRoom(b.Challenger.StreamID),
		StreamRoom(b.Opponent.StreamID),
	}
}

// withParticipants adds the user rooms of both streamers to audiences
func withParticipants(b *domain.Battle) []string {
	return append(audiences(b), UserRoom(b.Challenger.User), UserRoom(b.Opponent.User))
}

// BattlePayload carries a full battle snapshot with its derived figures
type BattlePayload struct {
	BattleID             string         `json:"battleId"`
	Battle               *domain.Battle `json:"battle"`
	TimeRemaining        int64          `json:"timeRemaining"`
	ChallengerPercentage int            `json:"challengerPercentage"`
	OpponentPercentage   int            `json:"opponentPercentage"`
	Reason               string         `json:"reason,omitempty"`
}

func newBattlePayload(b *domain.Battle, now time.Time) BattlePayload {
	pct := b.ChallengerPercentage()
	return BattlePayload{
		BattleID:             b.ID,
		Battle:               b,
		TimeRemaining:        b.TimeRemaining(now),
		ChallengerPercentage: pct,
		OpponentPercentage:   100 - pct,
		Reason:               b.StatusReason,
	}
}

// ScoreUpdate is broadcast after every applied gift
type ScoreUpdate struct {
	BattleID             string `json:"battleId"`
	ChallengerScore      int64  `json:"challengerScore"`
	OpponentScore        int64  `json:"opponentScore"`
	ChallengerPercentage int    `json:"challengerPercentage"`
	OpponentPercentage   int    `json:"opponentPercentage"`
	TimeRemaining        int64  `json:"timeRemaining"`
}

// GiftReceived describes the gift that caused a score update
type GiftReceived struct {
	BattleID        string          `json:"battleId"`
	Side            domain.SideName `json:"side"`
	RecipientUserID string          `json:"recipientUserId"`
	Gift            domain.Gift     `json:"gift"`
}

// VoteUpdate is broadcast after every accepted vote
type VoteUpdate struct {
	BattleID        string `json:"battleId"`
	ChallengerVotes int64  `json:"challengerVotes"`
	OpponentVotes   int64  `json:"opponentVotes"`
	TotalVotes      int    `json:"totalVotes"`
}

// VoteConfirmed tells the voter which side got the vote
type VoteConfirmed struct {
	BattleID string          `json:"battleId"`
	Side     domain.SideName `json:"side"`
	VotedFor string          `json:"votedFor"`
}

// BattleEnded announces the outcome of a finished battle
type BattleEnded struct {
	BattleID        string          `json:"battleId"`
	Battle          *domain.Battle  `json:"battle"`
	Winner          *string         `json:"winner"`
	WinnerSide      domain.SideName `json:"winnerSide,omitempty"`
	IsDraw          bool            `json:"isDraw"`
	ChallengerScore int64           `json:"challengerScore"`
	OpponentScore   int64           `json:"opponentScore"`
}

func newBattleEnded(b *domain.Battle) BattleEnded {
	side, _ := b.WinnerSide()
	return BattleEnded{
		BattleID:        b.ID,
		Battle:          b,
		Winner:          b.Winner,
		WinnerSide:      side,
		IsDraw:          b.IsDraw,
		ChallengerScore: b.Challenger.Score,
		OpponentScore:   b.Opponent.Score,
	}
}

// ErrorPayload is the body of a battleError reply
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// BanInfo describes the ban that blocked an action
type BanInfo struct {
	Type             domain.BanType `json:"type"`
	Permanent        bool           `json:"permanent"`
	Until            *time.Time     `json:"until,omitempty"`
	RemainingSeconds int64          `json:"remainingSeconds,omitempty"`
	Reason           string         `json:"reason,omitempty"`
}

// BannedNotice is the body of a battleBannedNotice reply
type BannedNotice struct {
	Message string  `json:"message"`
	BanInfo BanInfo `json:"banInfo"`
}

// BannedNoticeOf builds the ban notice for err when err is a ban rejection
func BannedNoticeOf(err error) (BannedNotice, bool) {
	var banErr *domain.BanError
	if !errors.As(err, &banErr) {
		return BannedNotice{}, false
	}
	return newBannedNotice(banErr), true
}

func newBannedNotice(err *domain.BanError) BannedNotice {
	st := err.Status
	return BannedNotice{
		Message: err.Error(),
		BanInfo: BanInfo{
			Type:             st.Type(),
			Permanent:        st.Permanent,
			Until:            st.Until,
			RemainingSeconds: st.RemainingSeconds,
			Reason:           st.Reason,
		},
	}
}

// RoomPayload acknowledges a join or leave
type RoomPayload struct {
	Room string `json:"room"`
}

// PongPayload answers a ping
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}
