package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cryptofolio/syncd/internal/syncer"
	"github.com/google/uuid"
)

const directRunTimeout = 10 * time.Minute

// SyncRunner executes a full portfolio sync for one user.
type SyncRunner interface {
	Run(ctx context.Context, userID uuid.UUID, skipCooldown bool) (syncer.Result, error)
}

// DirectDispatcher runs sync jobs in-process on a detached goroutine.
// It is the fallback when no message broker is configured; there is no
// durable job state, so JobState always reports none.
type DirectDispatcher struct {
	runner  SyncRunner
	store   runLogSource
	gate    *syncer.CooldownGate
	logger  *slog.Logger
	metrics *Metrics
}

func NewDirectDispatcher(runner SyncRunner, store runLogSource, gate *syncer.CooldownGate, logger *slog.Logger, metrics *Metrics) *DirectDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectDispatcher{
		runner:  runner,
		store:   store,
		gate:    gate,
		logger:  logger,
		metrics: metrics,
	}
}

func (d *DirectDispatcher) Submit(ctx context.Context, userID uuid.UUID, skipCooldown bool) (Submission, error) {
	if !skipCooldown {
		admission, err := d.gate.CanRun(ctx, userID)
		if err != nil {
			return Submission{}, err
		}
		if !admission.Allowed {
			d.count("rejected_cooldown")
			retryAfter := time.Until(admission.NextEligibleAt)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return Submission{
				Accepted:   false,
				Mode:       ModeDirect,
				Reason:     ReasonCooldown,
				RetryAfter: retryAfter,
			}, nil
		}
	}

	go d.runDetached(userID, skipCooldown)

	d.count("accepted")
	return Submission{Accepted: true, Mode: ModeDirect}, nil
}

// runDetached executes the sync on a background context so the run is
// not cancelled when the submitting request finishes.
func (d *DirectDispatcher) runDetached(userID uuid.UUID, skipCooldown bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sync run panicked", "user_id", userID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), directRunTimeout)
	defer cancel()

	if _, err := d.runner.Run(ctx, userID, skipCooldown); err != nil {
		var cooldownErr *syncer.CooldownError
		if errors.As(err, &cooldownErr) {
			d.logger.Info("sync run skipped, cooldown active",
				"user_id", userID, "next_eligible_at", cooldownErr.NextEligibleAt)
			return
		}
		d.logger.Error("sync run failed", "user_id", userID, "error", err)
	}
}

func (d *DirectDispatcher) JobState(ctx context.Context, userID uuid.UUID) (JobState, error) {
	return JobStateNone, nil
}

func (d *DirectDispatcher) Status(ctx context.Context, userID uuid.UUID) (Status, error) {
	return buildStatus(ctx, d.store, d.gate, userID)
}

func (d *DirectDispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.Submissions.WithLabelValues(ModeDirect, outcome).Inc()
	}
}
