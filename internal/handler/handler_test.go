package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/domain"
	"github.com/pk-battle/internal/engine"
	"github.com/pk-battle/internal/memstore"
	pkredis "github.com/pk-battle/internal/redis"
	"github.com/pk-battle/internal/service"
	"github.com/pk-battle/internal/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubGate struct {
	mu     sync.Mutex
	banned map[string]domain.BanStatus
	err    error
}

func (g *stubGate) Check(_ context.Context, userID string) (domain.BanStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return domain.BanStatus{}, g.err
	}
	if st, ok := g.banned[userID]; ok {
		return st, nil
	}
	return domain.BanStatus{UserID: userID}, nil
}

type nopSink struct{}

func (nopSink) Notify(context.Context, domain.Notification) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(string, any, ...string) {}

type stubModerator struct{}

func (stubModerator) ApplyViolation(_ context.Context, userID, reason string) (domain.ModerationResult, error) {
	return domain.ModerationResult{UserID: userID, Action: domain.ActionTempBan, Reason: reason, StrikeCount: 1, DurationSeconds: 600}, nil
}

func (stubModerator) Unban(_ context.Context, userID, reason string) (domain.ModerationResult, error) {
	return domain.ModerationResult{UserID: userID, Action: domain.ActionUnban, Reason: reason}, nil
}

func (stubModerator) Record(_ context.Context, userID string) (domain.ModerationRecord, domain.BanStatus, error) {
	return domain.ModerationRecord{UserID: userID, Strikes: 2}, domain.BanStatus{UserID: userID}, nil
}

type stubArchive struct {
	limit, offset int
}

func (a *stubArchive) History(_ context.Context, userID string, limit, offset int) ([]domain.HistoryEntry, error) {
	a.limit, a.offset = limit, offset
	return []domain.HistoryEntry{{BattleID: "B1", Status: domain.StatusFinished, OpponentID: "U2", Result: "win"}}, nil
}

func (a *stubArchive) Notifications(_ context.Context, userID string, limit int) ([]domain.Notification, error) {
	a.limit = limit
	return nil, nil
}

type testServer struct {
	handler     http.Handler
	gate        *stubGate
	archive     *stubArchive
	leaderboard *pkredis.LeaderboardService
	ready       map[string]Pinger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := &testServer{
		gate:        &stubGate{banned: map[string]domain.BanStatus{}},
		archive:     &stubArchive{},
		leaderboard: pkredis.NewLeaderboardService(client, "pk", discard),
		ready:       map[string]Pinger{},
	}

	eng, err := engine.New(memstore.New(), s.gate, nopSink{}, discard)
	require.NoError(t, err)
	router := service.NewEventRouter(eng, stubModerator{}, nopPublisher{}, discard)

	cfg := config.DefaultConfig()
	cfg.Battle.MaxLimit = 100
	h := NewHandler(Deps{
		Battles:     router,
		Active:      eng,
		Leaderboard: s.leaderboard,
		Archive:     s.archive,
		Moderation:  stubModerator{},
		Hub:         websocket.NewHub(router, nil, discard),
		Ready:       s.ready,
	}, cfg, discard)
	s.handler = h.Router()
	return s
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func challengeBody() domain.ChallengeRequest {
	return domain.ChallengeRequest{
		Challenger: domain.Participant{UserID: "U1", Username: "alice", StreamID: "streamA"},
		Opponent:   domain.Participant{UserID: "U2", Username: "bob", StreamID: "streamB"},
		Duration:   180,
	}
}

func (s *testServer) createBattle(t *testing.T) domain.Battle {
	t.Helper()
	code, resp := s.do(t, http.MethodPost, "/api/v1/battles", challengeBody())
	require.Equal(t, http.StatusCreated, code, resp.Error)
	var b domain.Battle
	require.NoError(t, json.Unmarshal(resp.Data, &b))
	return b
}

func TestBattleLifecycle(t *testing.T) {
	s := newTestServer(t)
	b := s.createBattle(t)
	assert.Equal(t, domain.StatusPending, b.Status)

	code, resp := s.do(t, http.MethodPost, "/api/v1/battles/"+b.ID+"/accept", actorRequest{UserID: "U1"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, domain.CodeNotAuthorized, resp.Code)

	code, resp = s.do(t, http.MethodPost, "/api/v1/battles/"+b.ID+"/accept", actorRequest{UserID: "U2"})
	require.Equal(t, http.StatusOK, code, resp.Error)

	code, resp = s.do(t, http.MethodGet, "/api/v1/battles/"+b.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var status service.BattlePayload
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, domain.StatusActive, status.Battle.Status)
	assert.Equal(t, 50, status.ChallengerPercentage)
	assert.InDelta(t, 180, status.TimeRemaining, 2)

	code, resp = s.do(t, http.MethodGet, "/api/v1/battles/active", nil)
	require.Equal(t, http.StatusOK, code)
	var active []domain.Battle
	require.NoError(t, json.Unmarshal(resp.Data, &active))
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	code, resp = s.do(t, http.MethodPost, "/api/v1/battles/"+b.ID+"/cancel", actorRequest{UserID: "U1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, domain.CodeInvalidState, resp.Code)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	code, resp := s.do(t, http.MethodGet, "/api/v1/battles/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, domain.CodeBattleNotFound, resp.Code)
	assert.False(t, resp.Success)

	self := challengeBody()
	self.Opponent.UserID = "U1"
	code, resp = s.do(t, http.MethodPost, "/api/v1/battles", self)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, domain.CodeValidation, resp.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/battles", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.createBattle(t)
	code, resp = s.do(t, http.MethodPost, "/api/v1/battles", challengeBody())
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, domain.CodeUserBusy, resp.Code)
}

func TestBannedChallengerGetsNotice(t *testing.T) {
	s := newTestServer(t)
	s.gate.banned["U1"] = domain.BanStatus{UserID: "U1", Banned: true, Permanent: true, Reason: "spam"}

	code, resp := s.do(t, http.MethodPost, "/api/v1/battles", challengeBody())
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, domain.CodeUserBanned, resp.Code)

	var notice service.BannedNotice
	require.NoError(t, json.Unmarshal(resp.Data, &notice))
	assert.Equal(t, domain.BanTypePermanent, notice.BanInfo.Type)
	assert.True(t, notice.BanInfo.Permanent)
	assert.Equal(t, "spam", notice.BanInfo.Reason)
}

func TestGateFailureIsHidden(t *testing.T) {
	s := newTestServer(t)
	s.gate.err = errors.New("dial tcp: connection refused")

	code, resp := s.do(t, http.MethodPost, "/api/v1/battles", challengeBody())
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, domain.CodeOperationFailed, resp.Code)
	assert.Equal(t, "operation failed", resp.Error)
}

func TestLeaderboardAndStats(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	winner := "U1"
	require.NoError(t, s.leaderboard.RecordResult(ctx, &domain.Battle{
		ID:         "B1",
		Status:     domain.StatusFinished,
		Challenger: domain.Side{User: "U1", Username: "alice", Score: 120},
		Opponent:   domain.Side{User: "U2", Username: "bob", Score: 30},
		Winner:     &winner,
	}))

	code, resp := s.do(t, http.MethodGet, "/api/v1/leaderboard?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	var page LeaderboardView
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "U1", page.Entries[0].UserID)
	assert.Equal(t, "alice", page.Entries[0].Username)

	code, resp = s.do(t, http.MethodGet, "/api/v1/users/U1/stats", nil)
	require.Equal(t, http.StatusOK, code)
	var stats UserStatsView
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, int64(1), stats.Wins)
	assert.Equal(t, int64(100), stats.WinRate)
	assert.Equal(t, int64(120), stats.AverageScore)
}

func TestHistoryLimits(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodGet, "/api/v1/users/U1/battles?limit=1000&offset=20", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 100, s.archive.limit)
	assert.Equal(t, 20, s.archive.offset)

	code, resp := s.do(t, http.MethodGet, "/api/v1/users/U1/notifications?limit=abc", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 50, s.archive.limit)
	assert.JSONEq(t, `[]`, string(resp.Data))
}

func TestModerationRoutes(t *testing.T) {
	s := newTestServer(t)

	code, resp := s.do(t, http.MethodPost, "/api/v1/moderation/U9/strike", moderationRequest{Reason: "abuse"})
	require.Equal(t, http.StatusOK, code)
	var res domain.ModerationResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Equal(t, domain.ActionTempBan, res.Action)
	assert.Equal(t, "abuse", res.Reason)

	code, resp = s.do(t, http.MethodGet, "/api/v1/moderation/U9", nil)
	require.Equal(t, http.StatusOK, code)
	var view ModerationView
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	assert.Equal(t, 2, view.Record.Strikes)
}

func TestReadyCheck(t *testing.T) {
	s := newTestServer(t)
	s.ready["redis"] = PingFunc(func(context.Context) error { return nil })

	code, _ := s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, code)

	s.ready["postgres"] = PingFunc(func(context.Context) error { return errors.New("down") })
	code, resp := s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"redis":"ok","postgres":"unavailable"}`, string(resp.Data))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/battles", nil)
	req.Header.Set("Origin", "https://world-studio.live")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
