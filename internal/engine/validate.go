package engine

import (
	"github.com/pk-battle/internal/domain"
)

// The validators below check the shape of a command without loading the
// battle. Callers that gate users themselves run them first so a malformed
// command fails the same way for banned and unbanned users.

// ValidateChallenge checks both participants of a challenge
func ValidateChallenge(req domain.ChallengeRequest) error {
	if err := validateParticipant("challenger", req.Challenger); err != nil {
		return err
	}
	if err := validateParticipant("opponent", req.Opponent); err != nil {
		return err
	}
	if req.Challenger.UserID == req.Opponent.UserID {
		return domain.ErrSelfChallenge
	}
	if req.Duration < 0 {
		return domain.ValidationError("duration must not be negative")
	}
	return nil
}

// ValidateTransition checks an accept, decline or cancel request
func ValidateTransition(battleID, userID string) error {
	if battleID == "" {
		return domain.ValidationError("battleId is required")
	}
	if userID == "" {
		return domain.ValidationError("userId is required")
	}
	return nil
}

// ValidateGift checks a gift command against the engine's rules
func (e *Engine) ValidateGift(cmd domain.GiftCommand) error {
	switch {
	case cmd.BattleID == "":
		return domain.ValidationError("battleId is required")
	case cmd.RecipientUserID == "":
		return domain.ValidationError("recipientUserId is required")
	case cmd.SenderID == "":
		return domain.ValidationError("senderId is required")
	case cmd.GiftType == "":
		return domain.ValidationError("giftType is required")
	case cmd.GiftValue <= 0:
		return domain.ErrInvalidGiftValue
	case e.rules.MaxGiftValue > 0 && cmd.GiftValue > e.rules.MaxGiftValue:
		return domain.ErrGiftTooLarge
	}
	return nil
}

// ValidateVote checks a vote request
func ValidateVote(battleID, voterID, recipientUserID string) error {
	switch {
	case battleID == "":
		return domain.ValidationError("battleId is required")
	case voterID == "":
		return domain.ValidationError("voterId is required")
	case recipientUserID == "":
		return domain.ValidationError("recipientUserId is required")
	}
	return nil
}

func validateParticipant(role string, p domain.Participant) error {
	if p.UserID == "" {
		return domain.ValidationError("%s.userId is required", role)
	}
	if p.StreamID == "" {
		return domain.ValidationError("%s.streamId is required", role)
	}
	return nil
}
