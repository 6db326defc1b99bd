package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/domain"
	"github.com/pk-battle/internal/engine"
	"github.com/pk-battle/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func finishedBattle() *domain.Battle {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	winner := "U2"
	return &domain.Battle{
		ID:         "B1",
		Status:     domain.StatusFinished,
		Challenger: domain.Side{User: "U1", StreamID: "streamA", Score: 10, GiftsCount: 1},
		Opponent:   domain.Side{User: "U2", StreamID: "streamB", Score: 50, GiftsCount: 2, VoteCount: 3},
		Duration:   180,
		Winner:     &winner,
		FinishedAt: &now,
	}
}

func TestResultPublisherSendsTerminalBattles(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var msg ResultMessage
		if err := json.Unmarshal(val, &msg); err != nil {
			return err
		}
		if msg.BattleID != "B1" || msg.Winner == nil || *msg.Winner != "U2" || msg.TotalGifts != 3 {
			return errors.New("unexpected result message")
		}
		return nil
	})

	pub := NewResultPublisherWithProducer(producer, "pk-results", discard)
	require.NoError(t, pub.RecordResult(context.Background(), finishedBattle()))

	active := finishedBattle()
	active.Status = domain.StatusActive
	require.NoError(t, pub.RecordResult(context.Background(), active), "non-terminal battles are skipped")

	require.NoError(t, pub.Close())
}

func TestResultPublisherReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewResultPublisherWithProducer(producer, "pk-results", discard)
	err := pub.RecordResult(context.Background(), finishedBattle())
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string { return "member" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "pk-gifts" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type fakeGifts struct {
	mu       sync.Mutex
	applied  []domain.GiftCommand
	failures map[string]int
	reject   map[string]error
	calls    map[string]int
}

func (f *fakeGifts) Gift(_ context.Context, cmd domain.GiftCommand) (*engine.GiftResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[cmd.SenderID]++
	if err, ok := f.reject[cmd.SenderID]; ok {
		return nil, err
	}
	if f.failures[cmd.SenderID] > 0 {
		f.failures[cmd.SenderID]--
		return nil, errors.New("redis: connection reset")
	}
	f.applied = append(f.applied, cmd)
	return &engine.GiftResult{}, nil
}

func giftMessage(t *testing.T, offset int64, sender string) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(domain.GiftCommand{
		BattleID: "B1", RecipientUserID: "U2", GiftType: "rose", GiftValue: 10, SenderID: sender,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "pk-gifts", Offset: offset, Value: data}
}

func TestConsumeClaimAppliesGiftsInOrder(t *testing.T) {
	cfg := &config.KafkaConfig{BatchSize: 2, BatchTimeout: time.Hour, RetryAttempts: 3, RetryDelay: time.Millisecond}
	gifts := &fakeGifts{
		failures: map[string]int{"flaky": 1},
		reject:   map[string]error{"banned": &domain.BanError{Status: domain.BanStatus{Banned: true}}},
		calls:    map[string]int{},
	}
	handler := newClaimHandler(cfg, gifts, discard, nil)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 8)}
	claim.messages <- giftMessage(t, 1, "V1")
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: []byte("{broken")}
	claim.messages <- giftMessage(t, 3, "flaky")
	claim.messages <- giftMessage(t, 4, "banned")
	claim.messages <- giftMessage(t, 5, "V2")
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, handler.ConsumeClaim(session, claim))

	require.Len(t, gifts.applied, 3)
	assert.Equal(t, "V1", gifts.applied[0].SenderID)
	assert.Equal(t, "flaky", gifts.applied[1].SenderID)
	assert.Equal(t, "V2", gifts.applied[2].SenderID)
	assert.Equal(t, 2, gifts.calls["flaky"])
	assert.Equal(t, 1, gifts.calls["banned"], "rejected gifts are not retried")
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, session.marked)
}

func TestConsumeClaimGivesUpAfterRetries(t *testing.T) {
	cfg := &config.KafkaConfig{BatchSize: 10, BatchTimeout: time.Hour, RetryAttempts: 2, RetryDelay: time.Millisecond}
	gifts := &fakeGifts{failures: map[string]int{"down": 5}, calls: map[string]int{}}
	handler := newClaimHandler(cfg, gifts, discard, nil)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- giftMessage(t, 7, "down")
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, handler.ConsumeClaim(session, claim))
	assert.Equal(t, 2, gifts.calls["down"])
	assert.Empty(t, gifts.applied)
	assert.Equal(t, []int64{7}, session.marked)
}

type openGate struct{}

func (openGate) Check(_ context.Context, userID string) (domain.BanStatus, error) {
	return domain.BanStatus{UserID: userID}, nil
}

type nopSink struct{}

func (nopSink) Notify(context.Context, domain.Notification) error { return nil }

func TestRedeliveredGiftIsCreditedOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	eng, err := engine.New(store, openGate{}, nopSink{}, discard)
	require.NoError(t, err)

	b, err := eng.Challenge(ctx, domain.ChallengeRequest{
		Challenger: domain.Participant{UserID: "U1", StreamID: "streamA"},
		Opponent:   domain.Participant{UserID: "U2", StreamID: "streamB"},
	})
	require.NoError(t, err)
	_, err = eng.Accept(ctx, b.ID, "U2")
	require.NoError(t, err)

	data, err := json.Marshal(domain.GiftCommand{
		BattleID: b.ID, RecipientUserID: "U2", GiftType: "rose", GiftValue: 10, SenderID: "V1",
	})
	require.NoError(t, err)

	cfg := &config.KafkaConfig{BatchSize: 10, BatchTimeout: time.Hour, RetryAttempts: 1, RetryDelay: time.Millisecond}
	consume := func() {
		handler := newClaimHandler(cfg, eng, discard, nil)
		claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
		claim.messages <- &sarama.ConsumerMessage{Topic: "pk-gifts", Partition: 3, Offset: 42, Value: data}
		close(claim.messages)
		require.NoError(t, handler.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
	}

	// the second session sees the same message again after a rebalance
	consume()
	consume()

	got, err := eng.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Opponent.Score)
	assert.Equal(t, int64(1), got.Opponent.GiftsCount)
	require.Len(t, got.Opponent.GiftsReceived, 1)
	assert.Equal(t, "pk-gifts-3-42", got.Opponent.GiftsReceived[0].ID)
}

func TestProducerGiftIDIsKept(t *testing.T) {
	gifts := &fakeGifts{calls: map[string]int{}}
	cfg := &config.KafkaConfig{BatchSize: 10, BatchTimeout: time.Hour, RetryAttempts: 1}
	handler := newClaimHandler(cfg, gifts, discard, nil)

	data, err := json.Marshal(domain.GiftCommand{
		GiftID: "client-7", BattleID: "B1", RecipientUserID: "U2", GiftType: "rose", GiftValue: 10, SenderID: "V1",
	})
	require.NoError(t, err)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "pk-gifts", Offset: 1, Value: data}
	claim.messages <- giftMessage(t, 2, "V2")
	close(claim.messages)
	require.NoError(t, handler.ConsumeClaim(&fakeSession{ctx: context.Background()}, claim))

	require.Len(t, gifts.applied, 2)
	assert.Equal(t, "client-7", gifts.applied[0].GiftID)
	assert.Equal(t, "pk-gifts-0-2", gifts.applied[1].GiftID, "ids fall back to the message position")
}
