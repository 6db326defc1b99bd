package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/domain"
)

// SideResult is one participant's outcome in a result message
type SideResult struct {
	UserID     string `json:"userId"`
	StreamID   string `json:"streamId"`
	Score      int64  `json:"score"`
	GiftsCount int64  `json:"giftsCount"`
	VoteCount  int64  `json:"voteCount"`
}

// ResultMessage is published for every battle that reached a terminal state
type ResultMessage struct {
	BattleID     string        `json:"battleId"`
	Status       domain.Status `json:"status"`
	StatusReason string        `json:"statusReason,omitempty"`
	Winner       *string       `json:"winner"`
	IsDraw       bool          `json:"isDraw"`
	Challenger   SideResult    `json:"challenger"`
	Opponent     SideResult    `json:"opponent"`
	TotalGifts   int64         `json:"totalGifts"`
	Duration     int           `json:"duration"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
}

func newResultMessage(b *domain.Battle) ResultMessage {
	side := func(s domain.Side) SideResult {
		return SideResult{
			UserID:     s.User,
			StreamID:   s.StreamID,
			Score:      s.Score,
			GiftsCount: s.GiftsCount,
			VoteCount:  s.VoteCount,
		}
	}
	return ResultMessage{
		BattleID:     b.ID,
		Status:       b.Status,
		StatusReason: b.StatusReason,
		Winner:       b.Winner,
		IsDraw:       b.IsDraw,
		Challenger:   side(b.Challenger),
		Opponent:     side(b.Opponent),
		TotalGifts:   b.TotalGifts(),
		Duration:     b.Duration,
		FinishedAt:   b.FinishedAt,
	}
}

// ResultPublisher sends battle results to the result topic
type ResultPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewResultPublisher connects a synchronous producer to the brokers
func NewResultPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*ResultPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating result producer: %w", err)
	}
	return NewResultPublisherWithProducer(producer, cfg.ResultTopic, logger), nil
}

// NewResultPublisherWithProducer wraps an existing producer
func NewResultPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *ResultPublisher {
	return &ResultPublisher{producer: producer, topic: topic, logger: logger}
}

// RecordResult publishes the outcome of a terminal battle keyed by battle id
func (p *ResultPublisher) RecordResult(_ context.Context, b *domain.Battle) error {
	if !b.Status.IsTerminal() {
		return nil
	}
	data, err := json.Marshal(newResultMessage(b))
	if err != nil {
		return fmt.Errorf("encoding battle result: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(b.ID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("publishing battle result: %w", err)
	}

	p.logger.Debug("battle result published",
		"battle_id", b.ID,
		"status", b.Status,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close closes the underlying producer
func (p *ResultPublisher) Close() error {
	return p.producer.Close()
}
