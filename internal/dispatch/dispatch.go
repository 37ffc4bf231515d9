// Package dispatch is the admission layer for sync jobs. The API and
// the cron scheduler call Submit; whether a durable queue backs the
// job is a deployment-time property hidden behind the Dispatcher
// interface, never a per-call choice.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptofolio/syncd/internal/storage"
	"github.com/cryptofolio/syncd/internal/syncer"
	"github.com/cryptofolio/syncd/libs/kafka"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ModeQueued = "queued"
	ModeDirect = "direct"

	// EventTypeSyncJob identifies a sync job message on the queue.
	EventTypeSyncJob = "portfolio.sync.requested"

	// MaxJobAttempts bounds queue-mode retries per job.
	MaxJobAttempts = 2
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay = 30 * time.Second

	ReasonAlreadyRunning = "sync already in progress"
	ReasonCooldown       = "sync cooldown active"
)

type JobState string

const (
	JobStateNone    JobState = ""
	JobStateWaiting JobState = "waiting"
	JobStateDelayed JobState = "delayed"
	JobStateActive  JobState = "active"
)

// Queued reports whether the state counts as in-flight for dedupe.
func (s JobState) Queued() bool {
	return s == JobStateWaiting || s == JobStateDelayed || s == JobStateActive
}

type Submission struct {
	Accepted   bool
	Mode       string
	JobID      string
	Reason     string
	RetryAfter time.Duration
}

type Status struct {
	LastRun        *storage.SyncRunLog
	CanRun         bool
	NextEligibleAt *time.Time
	CooldownWindow time.Duration
}

type Dispatcher interface {
	Submit(ctx context.Context, userID uuid.UUID, skipCooldown bool) (Submission, error)
	JobState(ctx context.Context, userID uuid.UUID) (JobState, error)
	Status(ctx context.Context, userID uuid.UUID) (Status, error)
}

// JobPayload is the queue message body. SkipCooldown is interpreted by
// the worker, not the dispatcher.
type JobPayload struct {
	kafka.Envelope
	UserID       string `json:"user_id"`
	SkipCooldown bool   `json:"skip_cooldown"`
	Attempt      int    `json:"attempt"`
}

func (p *JobPayload) Validate() error {
	if err := p.Envelope.Validate(); err != nil {
		return err
	}
	if p.EventType != EventTypeSyncJob {
		return fmt.Errorf("unexpected event_type: %s", p.EventType)
	}
	if _, err := uuid.Parse(p.UserID); err != nil {
		return fmt.Errorf("invalid user_id")
	}
	if p.Attempt <= 0 {
		return fmt.Errorf("attempt must be positive")
	}
	return nil
}

// JobID is the deterministic dedupe id for a user's sync job.
func JobID(userID uuid.UUID) string {
	return "sync:" + userID.String()
}

type Metrics struct {
	Submissions *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_job_submissions_total",
				Help: "Sync job submissions by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
	}
	registry.MustRegister(m.Submissions)
	return m
}

type runLogSource interface {
	LatestRunLog(ctx context.Context, userID uuid.UUID) (*storage.SyncRunLog, error)
}

func buildStatus(ctx context.Context, store runLogSource, gate *syncer.CooldownGate, userID uuid.UUID) (Status, error) {
	last, err := store.LatestRunLog(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("load last run: %w", err)
	}
	admission, err := gate.CanRun(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		LastRun:        last,
		CanRun:         admission.Allowed,
		CooldownWindow: gate.Window(),
	}
	if !admission.Allowed {
		next := admission.NextEligibleAt
		status.NextEligibleAt = &next
	}
	return status, nil
}
