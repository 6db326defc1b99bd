package moderation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/pk-battle/internal/domain"
	pkredis "github.com/pk-battle/internal/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBanForStrike(t *testing.T) {
	cases := []struct {
		strikes   int
		want      time.Duration
		permanent bool
	}{
		{strikes: 0},
		{strikes: 1, want: 10 * time.Minute},
		{strikes: 2, want: time.Hour},
		{strikes: 3, want: 24 * time.Hour},
		{strikes: 4, want: 72 * time.Hour},
		{strikes: 5, want: 30 * 24 * time.Hour},
		{strikes: 6, permanent: true},
		{strikes: 12, permanent: true},
	}
	for _, tc := range cases {
		d, permanent := BanForStrike(tc.strikes)
		assert.Equal(t, tc.want, d, "strikes=%d", tc.strikes)
		assert.Equal(t, tc.permanent, permanent, "strikes=%d", tc.strikes)
	}
}

func TestApplyStrikeClimbsLadder(t *testing.T) {
	rec := domain.ModerationRecord{UserID: "U1"}

	first := ApplyStrike(&rec, "spam", now)
	assert.Equal(t, domain.ActionTempBan, first.Action)
	assert.Equal(t, int64(600), first.DurationSeconds)
	assert.Equal(t, 1, rec.Strikes)
	require.NotNil(t, rec.BanUntil)
	assert.Equal(t, now.Add(10*time.Minute), *rec.BanUntil)

	for i := 0; i < 4; i++ {
		ApplyStrike(&rec, "spam", now)
	}
	sixth := ApplyStrike(&rec, "", now)
	assert.Equal(t, domain.ActionPermanentBan, sixth.Action)
	assert.True(t, sixth.Permanent)
	assert.Equal(t, "violation", sixth.Reason)
	assert.Nil(t, rec.BanUntil)
	assert.True(t, rec.IsPermanentBan)
}

func TestStatusOf(t *testing.T) {
	until := now.Add(90 * time.Second)
	past := now.Add(-time.Second)

	cases := []struct {
		name   string
		rec    domain.ModerationRecord
		banned bool
		typ    domain.BanType
	}{
		{name: "clean", rec: domain.ModerationRecord{UserID: "U1"}},
		{name: "temporary", rec: domain.ModerationRecord{UserID: "U1", IsBanned: true, BanUntil: &until}, banned: true, typ: domain.BanTypeTemporary},
		{name: "expired temporary", rec: domain.ModerationRecord{UserID: "U1", IsBanned: true, BanUntil: &past}},
		{name: "permanent", rec: domain.ModerationRecord{UserID: "U1", IsBanned: true, IsPermanentBan: true}, banned: true, typ: domain.BanTypePermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := StatusOf(tc.rec, now)
			assert.Equal(t, tc.banned, st.Banned)
			assert.Equal(t, tc.typ, st.Type())
		})
	}

	st := StatusOf(domain.ModerationRecord{UserID: "U1", IsBanned: true, BanUntil: &until, BanReason: "spam"}, now)
	assert.Equal(t, int64(90), st.RemainingSeconds)
	assert.Equal(t, "spam", st.Reason)
}

func TestLiftKeepsStrikes(t *testing.T) {
	rec := domain.ModerationRecord{UserID: "U1"}
	ApplyStrike(&rec, "spam", now)
	ApplyStrike(&rec, "spam", now)

	res := Lift(&rec, "")
	assert.Equal(t, domain.ActionUnban, res.Action)
	assert.Equal(t, "manual_unban", res.Reason)
	assert.False(t, StatusOf(rec, now).Banned)

	third := ApplyStrike(&rec, "spam", now)
	assert.Equal(t, 3, third.StrikeCount)
	assert.Equal(t, int64(24*3600), third.DurationSeconds)
}

type memRecords struct {
	mu      sync.Mutex
	records map[string]domain.ModerationRecord
	reads   int
}

func (m *memRecords) ModerationRecord(_ context.Context, userID string) (domain.ModerationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if rec, ok := m.records[userID]; ok {
		return rec, nil
	}
	return domain.ModerationRecord{UserID: userID}, nil
}

func (m *memRecords) UpdateModeration(_ context.Context, userID string, apply func(*domain.ModerationRecord) domain.ModerationResult) (domain.ModerationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		rec = domain.ModerationRecord{UserID: userID}
	}
	res := apply(&rec)
	m.records[userID] = rec
	return res, nil
}

func newTestService(t *testing.T) (*Service, *memRecords) {
	t.Helper()
	records := &memRecords{records: map[string]domain.ModerationRecord{}}
	return newServiceWith(t, records), records
}

func newServiceWith(t *testing.T, records Records) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := NewService(records, pkredis.NewBanCache(client, "pk", 30*time.Second), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return now }
	return svc
}

// racingRecords runs during once, right after the first record load
type racingRecords struct {
	*memRecords
	once   sync.Once
	during func()
}

func (r *racingRecords) ModerationRecord(ctx context.Context, userID string) (domain.ModerationRecord, error) {
	rec, err := r.memRecords.ModerationRecord(ctx, userID)
	r.once.Do(r.during)
	return rec, err
}

func TestServiceCheckUsesCache(t *testing.T) {
	ctx := context.Background()
	svc, records := newTestService(t)

	st, err := svc.Check(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, st.Banned)

	reads := records.reads

	_, err = svc.Check(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, reads, records.reads, "second check served from cache")
}

func TestCheckDoesNotCacheStaleStatus(t *testing.T) {
	ctx := context.Background()
	records := &racingRecords{memRecords: &memRecords{records: map[string]domain.ModerationRecord{}}}
	svc := newServiceWith(t, records)
	records.during = func() {
		_, err := svc.ApplyViolation(ctx, "U1", "hate_speech")
		require.NoError(t, err)
	}

	st, err := svc.Check(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, st.Banned, "a strike landing during the load is seen")

	st, err = svc.Check(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, st.Banned, "the cache holds no stale unbanned entry")
	assert.Equal(t, 1, records.records["U1"].Strikes)
}

func TestServiceStrikeInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	st, err := svc.Check(ctx, "U1")
	require.NoError(t, err)
	require.False(t, st.Banned)

	res, err := svc.ApplyViolation(ctx, "U1", "hate_speech")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionTempBan, res.Action)
	assert.Equal(t, 1, res.StrikeCount)

	st, err = svc.Check(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, st.Banned)
	assert.Equal(t, domain.BanTypeTemporary, st.Type())
	assert.Equal(t, int64(600), st.RemainingSeconds)
	assert.Equal(t, "hate_speech", st.Reason)

	_, err = svc.Unban(ctx, "U1", "")
	require.NoError(t, err)
	st, err = svc.Check(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, st.Banned)

	rec, status, err := svc.Record(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Strikes)
	assert.False(t, status.Banned)
}

func TestServiceRejectsEmptyUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ApplyViolation(context.Background(), "", "spam")
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}
