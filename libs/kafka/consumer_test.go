package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type handlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (h handlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return h(ctx, msg)
}

type stubSession struct {
	ctx    context.Context
	marked int
}

func (s *stubSession) Context() context.Context                         { return s.ctx }
func (s *stubSession) Claims() map[string][]int32                       { return map[string][]int32{} }
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(_ *sarama.ConsumerMessage, _ string)  { s.marked++ }
func (s *stubSession) Commit()                                          {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "portfolio.sync.jobs" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

func TestConsumerGroupHandlerDLQsOnError(t *testing.T) {
	dlq := &stubPublisher{}
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return DLQ(errors.New("decode failed"), "decode")
		}),
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     "portfolio.sync.jobs.dlq",
		retryTracker: newRetryTracker(1, time.Minute),
	}

	msgCh := make(chan *sarama.ConsumerMessage, 1)
	msgCh <- &sarama.ConsumerMessage{Topic: "portfolio.sync.jobs", Partition: 0, Offset: 1, Value: []byte("bad")}
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	claim := &stubClaim{msgCh: msgCh}

	if err := handler.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 1 {
		t.Fatalf("expected message to be marked, got %d", session.marked)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "portfolio.sync.jobs.dlq" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	if _, ok := dlq.calls[0].value.(DLQPayload); !ok {
		t.Fatalf("expected DLQPayload, got %T", dlq.calls[0].value)
	}
}

func TestConsumerGroupHandlerRetriesThenDLQs(t *testing.T) {
	dlq := &stubPublisher{}
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return errors.New("transient failure")
		}),
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     "portfolio.sync.jobs.dlq",
		retryTracker: newRetryTracker(2, time.Minute),
	}

	session := &stubSession{ctx: context.Background()}
	msg := &sarama.ConsumerMessage{Topic: "portfolio.sync.jobs", Partition: 0, Offset: 7, Value: []byte("job")}

	for i := 0; i < 2; i++ {
		msgCh := make(chan *sarama.ConsumerMessage, 1)
		msgCh <- msg
		close(msgCh)
		if err := handler.ConsumeClaim(session, &stubClaim{msgCh: msgCh}); err != nil {
			t.Fatalf("consume claim error: %v", err)
		}
	}

	if session.marked != 1 {
		t.Fatalf("expected one mark after retries exhausted, got %d", session.marked)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected single dlq publish, got %d", len(dlq.calls))
	}
	payload := dlq.calls[0].value.(DLQPayload)
	if payload.Attempts != 2 {
		t.Fatalf("expected 2 attempts recorded, got %d", payload.Attempts)
	}
}

func TestConsumerGroupHandlerMarksOnSuccess(t *testing.T) {
	handler := &consumerGroupHandler{
		handler: handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
			return nil
		}),
		logger:       slog.Default(),
		retryTracker: newRetryTracker(2, time.Minute),
	}

	msgCh := make(chan *sarama.ConsumerMessage, 1)
	msgCh <- &sarama.ConsumerMessage{Topic: "portfolio.sync.jobs", Partition: 0, Offset: 3, Value: []byte("job")}
	close(msgCh)

	session := &stubSession{ctx: context.Background()}
	if err := handler.ConsumeClaim(session, &stubClaim{msgCh: msgCh}); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 1 {
		t.Fatalf("expected message marked, got %d", session.marked)
	}
}
