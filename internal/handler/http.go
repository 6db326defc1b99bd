package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/domain"
	"github.com/pk-battle/internal/service"
	"github.com/pk-battle/internal/websocket"
)

// Battles performs battle actions with the same fan-out as socket events
type Battles interface {
	Challenge(ctx context.Context, req domain.ChallengeRequest) (*domain.Battle, error)
	Accept(ctx context.Context, battleID, userID string) (*domain.Battle, error)
	Decline(ctx context.Context, battleID, userID string) (*domain.Battle, error)
	Cancel(ctx context.Context, battleID, userID string) (*domain.Battle, error)
	Status(ctx context.Context, battleID string) (service.BattlePayload, error)
	Strike(ctx context.Context, userID, reason string) (domain.ModerationResult, error)
	Unban(ctx context.Context, userID, reason string) (domain.ModerationResult, error)
}

// ActiveLister lists battles in progress
type ActiveLister interface {
	ActiveBattles(ctx context.Context, limit int) ([]*domain.Battle, error)
}

// Leaderboard reads PK rankings and stats
type Leaderboard interface {
	GetTopN(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	GetUserStats(ctx context.Context, userID string) (*domain.UserStats, error)
	GetCount(ctx context.Context) (int64, error)
}

// Archive reads battle history and notifications
type Archive interface {
	History(ctx context.Context, userID string, limit, offset int) ([]domain.HistoryEntry, error)
	Notifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}

// ModerationReader returns moderation state of a user
type ModerationReader interface {
	Record(ctx context.Context, userID string) (domain.ModerationRecord, domain.BanStatus, error)
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping calls f
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Deps are the collaborators of the HTTP API
type Deps struct {
	Battles     Battles
	Active      ActiveLister
	Leaderboard Leaderboard
	Archive     Archive
	Moderation  ModerationReader
	Hub         *websocket.Hub
	Ready       map[string]Pinger
}

// Handler provides HTTP handlers for the PK battle API
type Handler struct {
	deps           Deps
	limits         config.BattleConfig
	allowedOrigins []string
	logger         *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		deps:           deps,
		limits:         cfg.Battle,
		allowedOrigins: cfg.Server.AllowedOrigins,
		logger:         logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware(h.allowedOrigins))

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/battles", func(r chi.Router) {
			r.Post("/", h.CreateChallenge)
			r.Get("/active", h.ListActive)

			r.Route("/{battleID}", func(r chi.Router) {
				r.Get("/", h.GetBattle)
				r.Post("/accept", h.AcceptChallenge)
				r.Post("/decline", h.DeclineChallenge)
				r.Post("/cancel", h.CancelChallenge)
			})
		})

		r.Get("/leaderboard", h.GetLeaderboard)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/stats", h.GetUserStats)
			r.Get("/battles", h.GetUserHistory)
			r.Get("/notifications", h.GetNotifications)
		})

		r.Route("/moderation/{userID}", func(r chi.Router) {
			r.Get("/", h.GetModeration)
			r.Post("/strike", h.Strike)
			r.Post("/unban", h.Unban)
		})

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers. An empty allow list or "*" allows any
// origin.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	anyOrigin := len(allowed) == 0 || slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case anyOrigin:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError maps err to a status code and writes it. Infrastructure
// failures are logged and hidden behind a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, message := service.HTTPError(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}

	resp := APIResponse{Success: false, Error: message, Code: code}
	if notice, ok := service.BannedNoticeOf(err); ok {
		resp.Data = notice
	}
	h.writeJSON(w, status, resp)
}

func statusFor(code string) int {
	switch code {
	case domain.CodeBattleNotFound:
		return http.StatusNotFound
	case domain.CodeValidation, domain.CodeInvalidRecipient:
		return http.StatusBadRequest
	case domain.CodeNotAuthorized, domain.CodeUserBanned:
		return http.StatusForbidden
	case domain.CodeInvalidState, domain.CodeNotActive, domain.CodeAlreadyVoted, domain.CodeUserBusy, domain.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes an optional JSON body into v
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

// limitParam reads ?limit= falling back to the default and capping at max
func (h *Handler) limitParam(r *http.Request) int {
	limit := h.limits.DefaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}
	return min(limit, h.limits.MaxLimit)
}

// HandleWebSocket handles websocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.deps.Hub.ServeWs(w, r)
}

// GetWebSocketStats returns websocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.deps.Hub.Stats())
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps.Ready))
	ready := true
	for name, p := range h.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    checks,
			Error:   "not ready",
		})
		return
	}
	h.writeSuccess(w, map[string]any{"status": "ready", "checks": checks})
}
