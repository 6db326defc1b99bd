package service

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pk-battle/internal/domain"
)

type battleRequest struct {
	BattleID string `json:"battleId"`
}

type streamRequest struct {
	StreamID string `json:"streamId"`
}

type userRequest struct {
	UserID string `json:"userId"`
}

type transitionRequest struct {
	BattleID string `json:"battleId"`
	UserID   string `json:"userId"`
}

type giftRequest struct {
	BattleID        string      `json:"battleId"`
	RecipientUserID string      `json:"recipientUserId"`
	GiftType        string      `json:"giftType"`
	GiftValue       json.Number `json:"giftValue"`
	SenderID        string      `json:"senderId"`
	SenderName      string      `json:"senderName"`
}

type voteRequest struct {
	BattleID        string `json:"battleId"`
	RecipientUserID string `json:"recipientUserId"`
	VoterID         string `json:"voterId"`
}

type strikeRequest struct {
	TargetUserID string `json:"targetUserId"`
	Reason       string `json:"reason"`
}

// Dispatch handles one inbound protocol event. Every failure is answered
// with a reply to conn and never escapes.
func (r *EventRouter) Dispatch(ctx context.Context, conn Conn, event string, data json.RawMessage) {
	if err := r.dispatch(ctx, conn, event, data); err != nil {
		r.replyError(conn, event, err)
	}
}

func (r *EventRouter) dispatch(ctx context.Context, conn Conn, event string, data json.RawMessage) error {
	switch event {
	case EventPing:
		conn.Reply(EventPong, PongPayload{Timestamp: r.engine.Now().UnixMilli()})
		return nil

	case EventJoinBattleRoom, EventLeaveBattleRoom:
		req, err := decode[battleRequest](event, data)
		if err != nil {
			return err
		}
		if req.BattleID == "" {
			return missing("battleId")
		}
		r.membership(conn, event == EventJoinBattleRoom, BattleRoom(req.BattleID))
		return nil

	case EventJoinStreamRoom, EventLeaveStreamRoom:
		req, err := decode[streamRequest](event, data)
		if err != nil {
			return err
		}
		if req.StreamID == "" {
			return missing("streamId")
		}
		r.membership(conn, event == EventJoinStreamRoom, StreamRoom(req.StreamID))
		return nil

	case EventJoinUserRoom:
		req, err := decode[userRequest](event, data)
		if err != nil {
			return err
		}
		if req.UserID == "" {
			return missing("userId")
		}
		r.membership(conn, true, UserRoom(req.UserID))
		return nil

	case EventGetStatus:
		req, err := decode[battleRequest](event, data)
		if err != nil {
			return err
		}
		status, err := r.Status(ctx, req.BattleID)
		if err != nil {
			return err
		}
		conn.Reply(EventBattleStatus, status)
		return nil

	case EventCheckTimer:
		req, err := decode[battleRequest](event, data)
		if err != nil {
			return err
		}
		if req.BattleID == "" {
			return missing("battleId")
		}
		b, err := r.CheckTimer(ctx, req.BattleID)
		if err != nil {
			return err
		}
		conn.Reply(EventBattleStatus, newBattlePayload(b, r.engine.Now()))
		return nil

	case EventSendGift:
		req, err := decode[giftRequest](event, data)
		if err != nil {
			return err
		}
		value, err := giftValue(req.GiftValue)
		if err != nil {
			return err
		}
		_, err = r.Gift(ctx, domain.GiftCommand{
			BattleID:        req.BattleID,
			RecipientUserID: req.RecipientUserID,
			GiftType:        req.GiftType,
			GiftValue:       value,
			SenderID:        req.SenderID,
			SenderName:      req.SenderName,
		})
		return err

	case EventCastVote:
		req, err := decode[voteRequest](event, data)
		if err != nil {
			return err
		}
		res, err := r.Vote(ctx, req.BattleID, req.VoterID, req.RecipientUserID)
		if err != nil {
			return err
		}
		conn.Reply(EventVoteConfirmed, VoteConfirmed{
			BattleID: res.Battle.ID,
			Side:     res.Vote.Side,
			VotedFor: res.Vote.For,
		})
		return nil

	case EventChallenge:
		req, err := decode[domain.ChallengeRequest](event, data)
		if err != nil {
			return err
		}
		_, err = r.Challenge(ctx, req)
		return err

	case EventAcceptChallenge, EventDeclineChallenge, EventCancelChallenge:
		req, err := decode[transitionRequest](event, data)
		if err != nil {
			return err
		}
		switch event {
		case EventAcceptChallenge:
			_, err = r.Accept(ctx, req.BattleID, req.UserID)
		case EventDeclineChallenge:
			_, err = r.Decline(ctx, req.BattleID, req.UserID)
		default:
			_, err = r.Cancel(ctx, req.BattleID, req.UserID)
		}
		return err

	case EventModerationStrike:
		if !r.socketStrikes {
			return errStrikesDisabled
		}
		req, err := decode[strikeRequest](event, data)
		if err != nil {
			return err
		}
		if req.TargetUserID == "" {
			return missing("targetUserId")
		}
		_, err = r.Strike(ctx, req.TargetUserID, req.Reason)
		return err

	default:
		return domain.ValidationError("unknown event %q", event)
	}
}

func (r *EventRouter) membership(conn Conn, join bool, room string) {
	if join {
		conn.Join(room)
		conn.Reply(EventJoined, RoomPayload{Room: room})
		return
	}
	conn.Leave(room)
	conn.Reply(EventLeft, RoomPayload{Room: room})
}

func decode[T any](event string, data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, domain.ValidationError("%s payload is required", event)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, domain.ValidationError("malformed %s payload", event)
	}
	return v, nil
}

// giftValue accepts only whole positive numbers
func giftValue(n json.Number) (int64, error) {
	if n == "" {
		return 0, missing("giftValue")
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil || v <= 0 {
		return 0, domain.ErrInvalidGiftValue
	}
	return v, nil
}

func missing(field string) error {
	return domain.ValidationError("%s is required", field)
}
