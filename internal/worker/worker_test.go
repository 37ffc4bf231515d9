package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/cryptofolio/syncd/internal/dispatch"
	"github.com/cryptofolio/syncd/internal/syncer"
	"github.com/cryptofolio/syncd/libs/kafka"
	"github.com/google/uuid"
)

type fakeRegistry struct {
	mu          sync.Mutex
	active      []uuid.UUID
	delayed     []uuid.UUID
	cleared     []uuid.UUID
	completions []string
}

func (f *fakeRegistry) MarkActive(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = append(f.active, userID)
	return nil
}

func (f *fakeRegistry) MarkDelayed(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayed = append(f.delayed, userID)
	return nil
}

func (f *fakeRegistry) Clear(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
	return nil
}

func (f *fakeRegistry) RecordCompletion(ctx context.Context, userID uuid.UUID, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, outcome)
	return nil
}

type fakeWorkerRunner struct {
	result syncer.Result
	err    error
	calls  int
}

func (f *fakeWorkerRunner) Run(ctx context.Context, userID uuid.UUID, skipCooldown bool) (syncer.Result, error) {
	f.calls++
	return f.result, f.err
}

type publishedMessage struct {
	topic string
	key   string
	value any
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	notify    chan struct{}
	err       error
	failTopic string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{notify: make(chan struct{}, 8)}
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, 0, p.err
	}
	if p.failTopic != "" && topic == p.failTopic {
		return 0, 0, errors.New("broker unavailable")
	}
	p.published = append(p.published, publishedMessage{topic: topic, key: key, value: value})
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return 0, 1, nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedMessage, len(p.published))
	copy(out, p.published)
	return out
}

func jobMessage(t *testing.T, userID uuid.UUID, attempt int) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(dispatch.EventTypeSyncJob, 1, dispatch.JobID(userID))
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	payload := dispatch.JobPayload{
		Envelope: env,
		UserID:   userID.String(),
		Attempt:  attempt,
	}
	value, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &sarama.ConsumerMessage{
		Topic: "portfolio.sync.jobs",
		Key:   []byte(userID.String()),
		Value: value,
	}
}

func newTestWorker(runner *fakeWorkerRunner, registry *fakeRegistry, publisher *recordingPublisher) *Worker {
	w := New(runner, registry, publisher, "portfolio.sync.jobs", "portfolio.sync.jobs.dlq", 3, nil, nil)
	w.sleep = func(time.Duration) {}
	return w
}

func TestWorkerCompletesJob(t *testing.T) {
	userID := uuid.New()
	runner := &fakeWorkerRunner{result: syncer.Result{Succeeded: 2}}
	registry := &fakeRegistry{}
	publisher := newRecordingPublisher()
	w := newTestWorker(runner, registry, publisher)

	if err := w.HandleMessage(context.Background(), jobMessage(t, userID, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls)
	}
	if len(registry.active) != 1 || len(registry.cleared) != 1 {
		t.Fatalf("registry = %+v, want one active and one clear", registry)
	}
	if len(registry.completions) != 1 || registry.completions[0] != "completed" {
		t.Fatalf("completions = %v", registry.completions)
	}
	if len(publisher.messages()) != 0 {
		t.Fatal("success must not publish anything")
	}
}

func TestWorkerMalformedPayloadGoesToDLQ(t *testing.T) {
	registry := &fakeRegistry{}
	w := newTestWorker(&fakeWorkerRunner{}, registry, newRecordingPublisher())

	msg := &sarama.ConsumerMessage{Topic: "portfolio.sync.jobs", Value: []byte("{not json")}
	err := w.HandleMessage(context.Background(), msg)
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("err = %v, want DLQError", err)
	}
	if len(registry.active) != 0 {
		t.Fatal("malformed payload must not touch the registry")
	}
}

func TestWorkerCooldownIsTerminal(t *testing.T) {
	userID := uuid.New()
	runner := &fakeWorkerRunner{err: &syncer.CooldownError{
		NextEligibleAt: time.Now().Add(3 * time.Minute),
		RetryAfter:     3 * time.Minute,
	}}
	registry := &fakeRegistry{}
	publisher := newRecordingPublisher()
	w := newTestWorker(runner, registry, publisher)

	if err := w.HandleMessage(context.Background(), jobMessage(t, userID, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(registry.delayed) != 0 {
		t.Fatal("cooldown must not schedule a retry")
	}
	if len(registry.completions) != 1 || registry.completions[0] != "cooldown" {
		t.Fatalf("completions = %v, want [cooldown]", registry.completions)
	}
	if len(publisher.messages()) != 0 {
		t.Fatal("cooldown must not republish or dead-letter")
	}
}

func TestWorkerRetriesFailedJobOnce(t *testing.T) {
	userID := uuid.New()
	runner := &fakeWorkerRunner{err: errors.New("exchange unreachable")}
	registry := &fakeRegistry{}
	publisher := newRecordingPublisher()
	w := newTestWorker(runner, registry, publisher)

	if err := w.HandleMessage(context.Background(), jobMessage(t, userID, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(registry.delayed) != 1 {
		t.Fatalf("delayed marks = %d, want 1", len(registry.delayed))
	}

	select {
	case <-publisher.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("retry was never republished")
	}
	msgs := publisher.messages()
	if len(msgs) != 1 || msgs[0].topic != "portfolio.sync.jobs" {
		t.Fatalf("published = %+v, want retry on job topic", msgs)
	}
	retry, ok := msgs[0].value.(dispatch.JobPayload)
	if !ok {
		t.Fatalf("retry value has type %T", msgs[0].value)
	}
	if retry.Attempt != 2 {
		t.Fatalf("retry attempt = %d, want 2", retry.Attempt)
	}
	if len(registry.completions) != 0 {
		t.Fatal("retried job must not be recorded as completed yet")
	}
}

func TestWorkerExhaustedAttemptsDeadLetter(t *testing.T) {
	userID := uuid.New()
	runner := &fakeWorkerRunner{err: errors.New("exchange unreachable")}
	registry := &fakeRegistry{}
	publisher := newRecordingPublisher()
	w := newTestWorker(runner, registry, publisher)

	if err := w.HandleMessage(context.Background(), jobMessage(t, userID, dispatch.MaxJobAttempts)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs := publisher.messages()
	if len(msgs) != 1 || msgs[0].topic != "portfolio.sync.jobs.dlq" {
		t.Fatalf("published = %+v, want one dlq message", msgs)
	}
	if len(registry.delayed) != 0 {
		t.Fatal("exhausted job must not be delayed again")
	}
	if len(registry.completions) != 1 || registry.completions[0] != "failed" {
		t.Fatalf("completions = %v, want [failed]", registry.completions)
	}
	if len(registry.cleared) != 1 {
		t.Fatal("exhausted job must clear its claim")
	}
}

func TestWorkerRetryPublishFailureDeadLetters(t *testing.T) {
	userID := uuid.New()
	runner := &fakeWorkerRunner{err: errors.New("exchange unreachable")}
	registry := &fakeRegistry{}
	publisher := newRecordingPublisher()
	publisher.failTopic = "portfolio.sync.jobs"
	w := newTestWorker(runner, registry, publisher)

	if err := w.HandleMessage(context.Background(), jobMessage(t, userID, 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// The republish runs detached; wait until the job is finished.
	deadline := time.After(2 * time.Second)
	for {
		registry.mu.Lock()
		done := len(registry.completions) == 1
		registry.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job was never finished after the failed republish")
		case <-time.After(5 * time.Millisecond):
		}
	}

	msgs := publisher.messages()
	if len(msgs) != 1 || msgs[0].topic != "portfolio.sync.jobs.dlq" {
		t.Fatalf("published = %+v, want one dlq message", msgs)
	}
	dlq, ok := msgs[0].value.(kafka.DLQPublishPayload)
	if !ok {
		t.Fatalf("dlq value has type %T", msgs[0].value)
	}
	if dlq.Reason != "retry_publish_failed" {
		t.Fatalf("dlq reason = %q", dlq.Reason)
	}
	if registry.completions[0] != "failed" {
		t.Fatalf("completions = %v, want [failed]", registry.completions)
	}
	if len(registry.cleared) != 1 {
		t.Fatal("dead job must clear its claim")
	}
}

func TestRetryDelayGrowsExponentially(t *testing.T) {
	if got := retryDelay(1); got != 30*time.Second {
		t.Fatalf("delay(1) = %s, want 30s", got)
	}
	if got := retryDelay(2); got != 60*time.Second {
		t.Fatalf("delay(2) = %s, want 60s", got)
	}
}
