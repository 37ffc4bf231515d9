package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cryptofolio/syncd/internal/dispatch"
	"github.com/cryptofolio/syncd/internal/syncer"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultInterval is how often the periodic sync sweep runs.
const DefaultInterval = 8 * time.Hour

var resetWait = 2 * time.Second

type userSource interface {
	UsersWithActiveAccounts(ctx context.Context) ([]uuid.UUID, error)
	Reset()
}

type maintainer interface {
	GlobalCleanup(ctx context.Context)
}

type syncRunner interface {
	Run(ctx context.Context, userID uuid.UUID, skipCooldown bool) (syncer.Result, error)
}

type Metrics struct {
	TicksTotal   *prometheus.CounterVec
	TickDuration prometheus.Histogram
	UsersSwept   prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_scheduler_ticks_total",
				Help: "Scheduler sweeps by outcome.",
			},
			[]string{"outcome"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_scheduler_tick_duration_seconds",
				Help:    "Wall time of a full scheduler sweep.",
				Buckets: []float64{1, 10, 60, 300, 900, 3600},
			},
		),
		UsersSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_scheduler_users_swept_total",
				Help: "Users enumerated across all sweeps.",
			},
		),
	}
	registry.MustRegister(m.TicksTotal, m.TickDuration, m.UsersSwept)
	return m
}

// Scheduler sweeps all users with active exchange accounts on a fixed
// interval. In queued mode each user becomes a job submission; in
// direct mode the runner executes sequentially in-process. An atomic
// guard skips a tick entirely while the previous sweep is still going.
type Scheduler struct {
	store      userSource
	dispatcher dispatch.Dispatcher
	runner     syncRunner
	retention  maintainer
	interval   time.Duration
	logger     *slog.Logger
	metrics    *Metrics

	running atomic.Bool
}

// New builds a scheduler. When dispatcher is non-nil the sweep submits
// queued jobs; otherwise it calls runner directly. Exactly one of the
// two must be set.
func New(store userSource, dispatcher dispatch.Dispatcher, runner syncRunner, retention maintainer, interval time.Duration, logger *slog.Logger, metrics *Metrics) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		runner:     runner,
		retention:  retention,
		interval:   interval,
		logger:     logger,
		metrics:    metrics,
	}
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep. Safe to call concurrently with the ticker; the
// overlapping call is dropped, not queued.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler tick skipped, previous sweep still running")
		s.count("skipped_overlap")
		return
	}
	defer s.running.Store(false)

	start := time.Now()
	outcome := s.runSweep(ctx)
	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
	s.count(outcome)
}

// runSweep retries the whole sweep body exactly once after a pool
// reset; a flaky connection from the idle window between sweeps
// usually clears with fresh ones. The retry re-enumerates and
// resubmits from scratch, which is safe because submissions are
// deduplicated downstream.
func (s *Scheduler) runSweep(ctx context.Context) string {
	outcome, err := s.sweep(ctx)
	if err == nil {
		return outcome
	}
	s.logger.Warn("scheduler sweep failed, resetting pool", "error", err)
	s.store.Reset()

	select {
	case <-ctx.Done():
		return "cancelled"
	case <-time.After(resetWait):
	}

	outcome, err = s.sweep(ctx)
	if err != nil {
		s.logger.Error("scheduler sweep aborted", "error", err)
		return "error"
	}
	return outcome
}

func (s *Scheduler) sweep(ctx context.Context) (string, error) {
	users, err := s.store.UsersWithActiveAccounts(ctx)
	if err != nil {
		return "", fmt.Errorf("enumerate users: %w", err)
	}
	if s.metrics != nil {
		s.metrics.UsersSwept.Add(float64(len(users)))
	}
	s.logger.Info("scheduler sweep started", "users", len(users))

	for _, userID := range users {
		if ctx.Err() != nil {
			return "cancelled", nil
		}
		s.syncUser(ctx, userID)
	}

	if s.retention != nil {
		s.retention.GlobalCleanup(ctx)
	}
	s.logger.Info("scheduler sweep finished", "users", len(users))
	return "completed", nil
}

func (s *Scheduler) syncUser(ctx context.Context, userID uuid.UUID) {
	if s.dispatcher != nil {
		sub, err := s.dispatcher.Submit(ctx, userID, false)
		if err != nil {
			s.logger.Error("scheduled submit failed", "user_id", userID, "error", err)
			return
		}
		if !sub.Accepted {
			s.logger.Info("scheduled submit declined", "user_id", userID, "reason", sub.Reason)
		}
		return
	}

	result, err := s.runner.Run(ctx, userID, false)
	if err != nil {
		var cooldownErr *syncer.CooldownError
		if errors.As(err, &cooldownErr) {
			s.logger.Info("scheduled run skipped, cooldown active", "user_id", userID)
			return
		}
		s.logger.Error("scheduled run failed", "user_id", userID, "error", err)
		return
	}
	s.logger.Info("scheduled run finished",
		"user_id", userID, "succeeded", result.Succeeded, "failed", result.Failed)
}

func (s *Scheduler) count(outcome string) {
	if s.metrics != nil {
		s.metrics.TicksTotal.WithLabelValues(outcome).Inc()
	}
}
