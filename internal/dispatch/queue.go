package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cryptofolio/syncd/internal/syncer"
	"github.com/cryptofolio/syncd/libs/kafka"
	"github.com/google/uuid"
)

// QueueDispatcher enqueues deduplicated jobs on Kafka and tracks their
// state in the Redis job registry. The registry's deterministic job id
// is the primary de-duplication mechanism, independent of the cooldown
// window.
type QueueDispatcher struct {
	registry  *JobRegistry
	publisher kafka.Publisher
	topic     string
	store     runLogSource
	gate      *syncer.CooldownGate
	logger    *slog.Logger
	metrics   *Metrics
}

func NewQueueDispatcher(registry *JobRegistry, publisher kafka.Publisher, topic string, store runLogSource, gate *syncer.CooldownGate, logger *slog.Logger, metrics *Metrics) *QueueDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueDispatcher{
		registry:  registry,
		publisher: publisher,
		topic:     topic,
		store:     store,
		gate:      gate,
		logger:    logger,
		metrics:   metrics,
	}
}

func (d *QueueDispatcher) Submit(ctx context.Context, userID uuid.UUID, skipCooldown bool) (Submission, error) {
	claimed, state, err := d.registry.TryEnqueue(ctx, userID)
	if err != nil {
		return Submission{}, err
	}
	if !claimed {
		d.count("rejected_in_flight")
		d.logger.Info("sync job rejected, already in flight",
			"user_id", userID, "state", string(state))
		return Submission{
			Accepted: false,
			Mode:     ModeQueued,
			JobID:    JobID(userID),
			Reason:   ReasonAlreadyRunning,
		}, nil
	}

	payload, err := d.buildPayload(userID, skipCooldown, 1)
	if err != nil {
		_ = d.registry.Clear(ctx, userID)
		return Submission{}, err
	}
	if _, _, err := d.publisher.PublishJSON(ctx, d.topic, userID.String(), payload); err != nil {
		// Release the claim so the user is not locked out by a job
		// that never reached the queue.
		if clearErr := d.registry.Clear(ctx, userID); clearErr != nil {
			d.logger.Error("clear job claim failed", "user_id", userID, "error", clearErr)
		}
		return Submission{}, fmt.Errorf("enqueue sync job: %w", err)
	}

	d.count("accepted")
	return Submission{Accepted: true, Mode: ModeQueued, JobID: JobID(userID)}, nil
}

func (d *QueueDispatcher) buildPayload(userID uuid.UUID, skipCooldown bool, attempt int) (JobPayload, error) {
	// The event id is derived from the job id so every publish of the
	// same logical job, including worker retries, carries the same id.
	eventID := kafka.DeterministicEventID(EventTypeSyncJob, JobID(userID))
	env, err := kafka.NewEnvelopeWithID(eventID, EventTypeSyncJob, 1, JobID(userID))
	if err != nil {
		return JobPayload{}, fmt.Errorf("build job envelope: %w", err)
	}
	return JobPayload{
		Envelope:     env,
		UserID:       userID.String(),
		SkipCooldown: skipCooldown,
		Attempt:      attempt,
	}, nil
}

func (d *QueueDispatcher) JobState(ctx context.Context, userID uuid.UUID) (JobState, error) {
	return d.registry.State(ctx, userID)
}

func (d *QueueDispatcher) Status(ctx context.Context, userID uuid.UUID) (Status, error) {
	return buildStatus(ctx, d.store, d.gate, userID)
}

func (d *QueueDispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.Submissions.WithLabelValues(ModeQueued, outcome).Inc()
	}
}
