package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/pk-battle/internal/config"
	"github.com/pk-battle/internal/domain"
	"github.com/pk-battle/internal/engine"
)

// GiftHandler applies gifts to battles
type GiftHandler interface {
	Gift(ctx context.Context, cmd domain.GiftCommand) (*engine.GiftResult, error)
}

// Consumer consumes gift events from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       GiftHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler GiftHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming gift events
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.GiftTopic,
		"group_id", c.config.GroupID,
	)

	ready := c.ready
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := newClaimHandler(c.config, c.handler, c.logger, ready)

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.GiftTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			// later sessions need no readiness signal
			ready = nil
		}
	}()

	select {
	case <-ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// claimHandler implements sarama.ConsumerGroupHandler
type claimHandler struct {
	config  *config.KafkaConfig
	handler GiftHandler
	logger  *slog.Logger
	ready   chan bool
	once    sync.Once
}

func newClaimHandler(cfg *config.KafkaConfig, handler GiftHandler, logger *slog.Logger, ready chan bool) *claimHandler {
	return &claimHandler{config: cfg, handler: handler, logger: logger, ready: ready}
}

// Setup is called at the beginning of a new session
func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error {
	if h.ready != nil {
		h.once.Do(func() { close(h.ready) })
	}
	return nil
}

// Cleanup is called at the end of a session
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

type pendingGift struct {
	cmd     domain.GiftCommand
	message *sarama.ConsumerMessage
}

// ConsumeClaim applies gifts of one partition in order. Offsets are marked
// once a gift was applied or rejected for good.
func (h *claimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.config
	batch := make([]pendingGift, 0, cfg.BatchSize)
	batchTimer := time.NewTimer(cfg.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) == 0 {
			return
		}
		for _, p := range batch {
			h.apply(session.Context(), p)
			session.MarkMessage(p.message, "")
		}
		h.logger.Debug("processed gift batch", "batch_size", len(batch))
		batch = batch[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(cfg.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}

			var cmd domain.GiftCommand
			if err := json.Unmarshal(message.Value, &cmd); err != nil {
				h.logger.Warn("failed to unmarshal gift event",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				session.MarkMessage(message, "")
				continue
			}

			if cmd.GiftID == "" {
				cmd.GiftID = giftID(message)
			}
			batch = append(batch, pendingGift{cmd: cmd, message: message})
			if len(batch) >= cfg.BatchSize {
				processBatch()
				batchTimer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// giftID derives a stable id from the message position so a redelivered
// message credits the battle once
func giftID(m *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
}

// apply retries infrastructure failures and drops gifts the battle rejects
func (h *claimHandler) apply(sessionCtx context.Context, p pendingGift) {
	attempts := max(h.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(sessionCtx), 10*time.Second)
		_, err := h.handler.Gift(ctx, p.cmd)
		cancel()

		if err == nil {
			return
		}
		if code := domain.CodeOf(err); code != domain.CodeOperationFailed && code != domain.CodeConflict {
			h.logger.Info("gift event rejected",
				"battle_id", p.cmd.BattleID,
				"sender_id", p.cmd.SenderID,
				"code", code,
				"offset", p.message.Offset,
			)
			return
		}

		h.logger.Warn("gift event failed",
			"battle_id", p.cmd.BattleID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(h.config.RetryDelay)
		}
	}
	h.logger.Error("dropping gift event after retries",
		"battle_id", p.cmd.BattleID,
		"sender_id", p.cmd.SenderID,
		"offset", p.message.Offset,
		"partition", p.message.Partition,
	)
}
