package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"log/slog"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: 3,
	}, nil
}

// WithDLQ routes messages whose handler returns a DLQError, or whose
// in-process retries are exhausted, to the given dead-letter topic.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, 10*time.Minute),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			h.retryTracker.clear(msg)
			session.MarkMessage(msg, "")
			continue
		}

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			h.sendToDLQ(session, msg, dlqErr, 1)
			session.MarkMessage(msg, "")
			continue
		}

		attempts := h.retryTracker.record(msg)
		h.logger.Error("kafka message handler error",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempts", attempts, "error", err)
		if attempts >= h.retryTracker.maxAttempts {
			h.sendToDLQ(session, msg, &DLQError{Err: err, Reason: "max_attempts"}, attempts)
			h.retryTracker.clear(msg)
			session.MarkMessage(msg, "")
		}
	}
	return nil
}

func (h *consumerGroupHandler) sendToDLQ(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, dlqErr *DLQError, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Error("message dropped, no dlq configured", "topic", msg.Topic, "offset", msg.Offset, "error", dlqErr)
		return
	}
	payload := BuildDLQPayload(msg, dlqErr, attempts)
	if _, _, err := h.dlqPublisher.PublishJSON(session.Context(), h.dlqTopic, string(msg.Key), payload); err != nil {
		h.logger.Error("dlq publish failed", "topic", h.dlqTopic, "error", err)
	}
}

type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	attempts    map[string]retryEntry
}

type retryEntry struct {
	count int
	seen  time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		attempts:    make(map[string]retryEntry),
	}
}

func (t *retryTracker) key(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (t *retryTracker) record(msg *sarama.ConsumerMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for k, e := range t.attempts {
		if now.Sub(e.seen) > t.ttl {
			delete(t.attempts, k)
		}
	}
	entry := t.attempts[t.key(msg)]
	entry.count++
	entry.seen = now
	t.attempts[t.key(msg)] = entry
	return entry.count
}

func (t *retryTracker) clear(msg *sarama.ConsumerMessage) {
	t.mu.Lock()
	delete(t.attempts, t.key(msg))
	t.mu.Unlock()
}
