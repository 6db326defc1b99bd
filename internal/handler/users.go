package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pk-battle/internal/domain"
)

// UserStatsView is a user's battle record with derived rates
type UserStatsView struct {
	domain.UserStats
	WinRate      int64 `json:"winRate"`
	AverageScore int64 `json:"averageScore"`
}

// LeaderboardView is one page of the leaderboard
type LeaderboardView struct {
	Entries []domain.LeaderboardEntry `json:"entries"`
	Total   int64                     `json:"total"`
}

// ModerationView is the stored moderation record with the current ban state
type ModerationView struct {
	Record domain.ModerationRecord `json:"record"`
	Status domain.BanStatus        `json:"status"`
}

type moderationRequest struct {
	Reason string `json:"reason"`
}

// GetLeaderboard returns the streamers with the most wins
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.deps.Leaderboard.GetTopN(r.Context(), h.limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	total, err := h.deps.Leaderboard.GetCount(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	h.writeSuccess(w, LeaderboardView{Entries: entries, Total: total})
}

// GetUserStats returns a user's battle record
func (h *Handler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Leaderboard.GetUserStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, UserStatsView{
		UserStats:    *stats,
		WinRate:      stats.WinRate(),
		AverageScore: stats.AverageScore(),
	})
}

// GetUserHistory returns archived battles of a user, newest first
func (h *Handler) GetUserHistory(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}

	entries, err := h.deps.Archive.History(r.Context(), chi.URLParam(r, "userID"), h.limitParam(r), offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	h.writeSuccess(w, entries)
}

// GetNotifications returns a user's newest notifications
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	notes, err := h.deps.Archive.Notifications(r.Context(), chi.URLParam(r, "userID"), h.limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if notes == nil {
		notes = []domain.Notification{}
	}
	h.writeSuccess(w, notes)
}

// GetModeration returns a user's strikes and ban state
func (h *Handler) GetModeration(w http.ResponseWriter, r *http.Request) {
	rec, status, err := h.deps.Moderation.Record(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, ModerationView{Record: rec, Status: status})
}

// Strike applies a moderation strike
func (h *Handler) Strike(w http.ResponseWriter, r *http.Request) {
	var req moderationRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.deps.Battles.Strike(r.Context(), chi.URLParam(r, "userID"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, res)
}

// Unban lifts a user's ban
func (h *Handler) Unban(w http.ResponseWriter, r *http.Request) {
	var req moderationRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.deps.Battles.Unban(r.Context(), chi.URLParam(r, "userID"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, res)
}
