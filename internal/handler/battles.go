package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pk-battle/internal/domain"
)

type actorRequest struct {
	UserID string `json:"userId"`
}

// CreateChallenge handles challenge creation
func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req domain.ChallengeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	b, err := h.deps.Battles.Challenge(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    b,
	})
}

// ListActive returns battles in progress
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	battles, err := h.deps.Active.ActiveBattles(r.Context(), h.limitParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if battles == nil {
		battles = []*domain.Battle{}
	}
	h.writeSuccess(w, battles)
}

// GetBattle returns a battle with its derived figures
func (h *Handler) GetBattle(w http.ResponseWriter, r *http.Request) {
	status, err := h.deps.Battles.Status(r.Context(), chi.URLParam(r, "battleID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, status)
}

// AcceptChallenge starts a pending battle
func (h *Handler) AcceptChallenge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Battles.Accept)
}

// DeclineChallenge rejects a pending battle
func (h *Handler) DeclineChallenge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Battles.Decline)
}

// CancelChallenge withdraws a pending battle
func (h *Handler) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.deps.Battles.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, battleID, userID string) (*domain.Battle, error)) {
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	b, err := fn(r.Context(), chi.URLParam(r, "battleID"), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, b)
}
