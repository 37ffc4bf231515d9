package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/cryptofolio/syncd/internal/dispatch"
	"github.com/cryptofolio/syncd/internal/syncer"
	"github.com/cryptofolio/syncd/libs/kafka"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultConcurrency bounds how many sync runs execute at once across
// all claimed partitions.
const DefaultConcurrency = 3

const runTimeout = 10 * time.Minute

type jobRegistry interface {
	MarkActive(ctx context.Context, userID uuid.UUID) error
	MarkDelayed(ctx context.Context, userID uuid.UUID) error
	Clear(ctx context.Context, userID uuid.UUID) error
	RecordCompletion(ctx context.Context, userID uuid.UUID, outcome string) error
}

type syncRunner interface {
	Run(ctx context.Context, userID uuid.UUID, skipCooldown bool) (syncer.Result, error)
}

type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_worker_jobs_total",
				Help: "Sync jobs processed by outcome.",
			},
			[]string{"outcome"},
		),
		JobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_worker_job_duration_seconds",
				Help:    "Wall time of a single sync job.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
	}
	registry.MustRegister(m.JobsProcessed, m.JobDuration)
	return m
}

// Worker executes queued sync jobs. It owns the retry policy: failed
// jobs are re-published with an incremented attempt counter rather than
// replayed from the consumer offset, so the registry state stays
// accurate between attempts.
type Worker struct {
	runner    syncRunner
	registry  jobRegistry
	publisher kafka.Publisher
	topic     string
	dlqTopic  string
	logger    *slog.Logger
	metrics   *Metrics

	sem        chan struct{}
	retryDelay func(attempt int) time.Duration
	sleep      func(time.Duration)
}

func New(runner syncRunner, registry jobRegistry, publisher kafka.Publisher, topic, dlqTopic string, concurrency int, logger *slog.Logger, metrics *Metrics) *Worker {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		runner:     runner,
		registry:   registry,
		publisher:  publisher,
		topic:      topic,
		dlqTopic:   dlqTopic,
		logger:     logger,
		metrics:    metrics,
		sem:        make(chan struct{}, concurrency),
		retryDelay: retryDelay,
		sleep:      time.Sleep,
	}
}

// retryDelay grows exponentially from the base delay: 30s, 60s, ...
func retryDelay(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    dispatch.RetryBaseDelay,
		Max:    10 * time.Minute,
		Factor: 2,
		Jitter: false,
	}
	return b.ForAttempt(float64(attempt - 1))
}

func (w *Worker) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var payload dispatch.JobPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return kafka.DLQ(fmt.Errorf("decode sync job: %w", err), "malformed_payload")
	}
	if err := payload.Validate(); err != nil {
		return kafka.DLQ(fmt.Errorf("invalid sync job: %w", err), "invalid_payload")
	}
	userID, err := uuid.Parse(payload.UserID)
	if err != nil {
		return kafka.DLQ(fmt.Errorf("invalid user id: %w", err), "invalid_payload")
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.sem }()

	return w.process(ctx, userID, payload)
}

func (w *Worker) process(ctx context.Context, userID uuid.UUID, payload dispatch.JobPayload) error {
	start := time.Now()
	if err := w.registry.MarkActive(ctx, userID); err != nil {
		w.logger.Error("mark job active failed", "user_id", userID, "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	result, runErr := w.runner.Run(runCtx, userID, payload.SkipCooldown)
	if w.metrics != nil {
		w.metrics.JobDuration.Observe(time.Since(start).Seconds())
	}

	if runErr == nil {
		w.logger.Info("sync job completed",
			"user_id", userID, "attempt", payload.Attempt,
			"succeeded", result.Succeeded, "failed", result.Failed)
		w.finish(ctx, userID, "completed")
		return nil
	}

	var cooldownErr *syncer.CooldownError
	if errors.As(runErr, &cooldownErr) {
		// Cooldown rejection is terminal, never retried.
		w.logger.Info("sync job skipped, cooldown active",
			"user_id", userID, "next_eligible_at", cooldownErr.NextEligibleAt)
		w.finish(ctx, userID, "cooldown")
		return nil
	}

	w.logger.Error("sync job failed",
		"user_id", userID, "attempt", payload.Attempt, "error", runErr)

	if payload.Attempt < dispatch.MaxJobAttempts {
		w.scheduleRetry(ctx, userID, payload)
		return nil
	}

	w.deadLetter(ctx, userID, payload, runErr, "max_attempts")
	w.finish(ctx, userID, "failed")
	return nil
}

// scheduleRetry transitions the job to delayed and re-publishes it
// after the backoff interval. The sleep happens on a detached goroutine
// so the partition is not blocked while the job waits.
func (w *Worker) scheduleRetry(ctx context.Context, userID uuid.UUID, payload dispatch.JobPayload) {
	if err := w.registry.MarkDelayed(ctx, userID); err != nil {
		w.logger.Error("mark job delayed failed", "user_id", userID, "error", err)
	}
	delay := w.retryDelay(payload.Attempt)
	if w.metrics != nil {
		w.metrics.JobsProcessed.WithLabelValues("retried").Inc()
	}
	w.logger.Info("sync job retry scheduled",
		"user_id", userID, "attempt", payload.Attempt+1, "delay", delay)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("retry publish panicked", "user_id", userID, "panic", r)
			}
		}()
		w.sleep(delay)

		next := payload
		next.Attempt++
		pubCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, _, err := w.publisher.PublishJSON(pubCtx, w.topic, userID.String(), next); err != nil {
			// The job dies here, so it gets a dead-letter record just
			// like an exhausted one.
			w.logger.Error("retry publish failed", "user_id", userID, "error", err)
			w.deadLetter(pubCtx, userID, next, err, "retry_publish_failed")
			w.finish(pubCtx, userID, "failed")
		}
	}()
}

func (w *Worker) deadLetter(ctx context.Context, userID uuid.UUID, payload dispatch.JobPayload, cause error, reason string) {
	if w.publisher == nil || w.dlqTopic == "" {
		return
	}
	dlq := kafka.BuildPublishDLQPayload(w.topic, userID.String(), payload, cause, reason, payload.Attempt)
	if _, _, err := w.publisher.PublishJSON(ctx, w.dlqTopic, userID.String(), dlq); err != nil {
		w.logger.Error("dlq publish failed", "user_id", userID, "error", err)
	}
}

// finish clears the in-flight claim and appends to the completion
// history so the dedupe window reopens for the user.
func (w *Worker) finish(ctx context.Context, userID uuid.UUID, outcome string) {
	if w.metrics != nil {
		w.metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	}
	if err := w.registry.Clear(ctx, userID); err != nil {
		w.logger.Error("clear job state failed", "user_id", userID, "error", err)
	}
	if err := w.registry.RecordCompletion(ctx, userID, outcome); err != nil {
		w.logger.Error("record job completion failed", "user_id", userID, "error", err)
	}
}
