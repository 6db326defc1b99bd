// Package moderation implements the strike ladder and the ban gate.
package moderation

import (
	"time"

	"github.com/pk-battle/internal/domain"
)

// ladder maps strike counts 1..5 to temporary ban lengths. Any further
// strike is permanent.
var ladder = []time.Duration{
	10 * time.Minute,
	time.Hour,
	24 * time.Hour,
	3 * 24 * time.Hour,
	30 * 24 * time.Hour,
}

// BanForStrike returns the ban length for the given strike count
func BanForStrike(strikes int) (d time.Duration, permanent bool) {
	if strikes <= 0 {
		return 0, false
	}
	if strikes > len(ladder) {
		return 0, true
	}
	return ladder[strikes-1], false
}

// ApplyStrike adds a strike to rec and bans the user accordingly
func ApplyStrike(rec *domain.ModerationRecord, reason string, now time.Time) domain.ModerationResult {
	if reason == "" {
		reason = "violation"
	}
	rec.Strikes++
	rec.LastViolationAt = &now
	rec.IsBanned = true
	rec.BanReason = reason

	result := domain.ModerationResult{
		UserID:      rec.UserID,
		Reason:      reason,
		StrikeCount: rec.Strikes,
	}

	d, permanent := BanForStrike(rec.Strikes)
	if permanent {
		rec.IsPermanentBan = true
		rec.BanUntil = nil
		result.Action = domain.ActionPermanentBan
		result.Permanent = true
		return result
	}

	until := now.Add(d)
	rec.IsPermanentBan = false
	rec.BanUntil = &until
	result.Action = domain.ActionTempBan
	result.DurationSeconds = int64(d / time.Second)
	result.Until = &until
	return result
}

// Lift clears any ban on rec. Strikes are kept so the next violation
// continues up the ladder.
func Lift(rec *domain.ModerationRecord, reason string) domain.ModerationResult {
	if reason == "" {
		reason = "manual_unban"
	}
	rec.IsBanned = false
	rec.IsPermanentBan = false
	rec.BanUntil = nil
	rec.BanReason = ""
	return domain.ModerationResult{
		UserID:      rec.UserID,
		Action:      domain.ActionUnban,
		Reason:      reason,
		StrikeCount: rec.Strikes,
	}
}

// StatusOf computes whether rec bans the user at now. An expired temporary
// ban is reported as not banned.
func StatusOf(rec domain.ModerationRecord, now time.Time) domain.BanStatus {
	status := domain.BanStatus{UserID: rec.UserID}
	switch {
	case rec.IsPermanentBan:
		status.Banned = true
		status.Permanent = true
		status.Reason = banReason(rec, "permanent_ban")
	case rec.IsBanned && rec.BanUntil != nil && rec.BanUntil.After(now):
		until := *rec.BanUntil
		status.Banned = true
		status.Until = &until
		status.Reason = banReason(rec, "temp_ban")
		status.RemainingSeconds = int64((until.Sub(now) + time.Second - 1) / time.Second)
	}
	return status
}

func banReason(rec domain.ModerationRecord, fallback string) string {
	if rec.BanReason != "" {
		return rec.BanReason
	}
	return fallback
}
