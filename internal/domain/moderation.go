package domain

import "time"

// BanType distinguishes temporary and permanent bans
type BanType string

const (
	BanTypeTemporary BanType = "temporary"
	BanTypePermanent BanType = "permanent"
)

// BanStatus is the answer of the ban gate for a user
type BanStatus struct {
	UserID           string     `json:"userId"`
	Banned           bool       `json:"banned"`
	Permanent        bool       `json:"permanent"`
	Until            *time.Time `json:"until,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	RemainingSeconds int64      `json:"remainingSeconds,omitempty"`
}

// Type returns the ban type, empty when not banned
func (s BanStatus) Type() BanType {
	switch {
	case !s.Banned:
		return ""
	case s.Permanent:
		return BanTypePermanent
	default:
		return BanTypeTemporary
	}
}

// ModerationAction is what a strike resulted in
type ModerationAction string

const (
	ActionTempBan      ModerationAction = "temp_ban"
	ActionPermanentBan ModerationAction = "permanent_ban"
	ActionUnban        ModerationAction = "unban"
)

// ModerationRecord holds the persisted moderation state of a user
type ModerationRecord struct {
	UserID          string     `json:"userId"`
	Strikes         int        `json:"strikes"`
	IsBanned        bool       `json:"isBanned"`
	IsPermanentBan  bool       `json:"isPermanentBan"`
	BanUntil        *time.Time `json:"banUntil,omitempty"`
	BanReason       string     `json:"banReason,omitempty"`
	LastViolationAt *time.Time `json:"lastViolationAt,omitempty"`
}

// ModerationResult is the outcome of applying a strike
type ModerationResult struct {
	UserID          string           `json:"userId"`
	Action          ModerationAction `json:"action"`
	Reason          string           `json:"reason"`
	StrikeCount     int              `json:"strikeCount"`
	DurationSeconds int64            `json:"durationSeconds"`
	Permanent       bool             `json:"permanent"`
	Until           *time.Time       `json:"until,omitempty"`
}

// Notification is a per-user durable notification entry
type Notification struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"userId"`
	FromUser  string         `json:"fromUserId,omitempty"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Link      string         `json:"link,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt time.Time      `json:"createdAt"`
}
