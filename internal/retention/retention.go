// Package retention prunes and aggregates historical run logs and
// portfolio snapshots so storage grows sub-linearly with time. All
// operations are pure maintenance: failures are logged, never
// propagated, and never block the runs that triggered them.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// PerUserLogKeep bounds run logs trimmed right after a run.
	PerUserLogKeep = 50
	// GlobalLogKeep is the tighter bound applied on cron ticks.
	GlobalLogKeep = 20
	// SnapshotDenseWindow is how long snapshots stay at per-run
	// density before being aggregated to one per calendar day.
	SnapshotDenseWindow = 7 * 24 * time.Hour
)

type store interface {
	TrimRunLogs(ctx context.Context, userID uuid.UUID, keep int) (int64, error)
	TrimAllRunLogs(ctx context.Context, keep int) (int64, error)
	AggregateSnapshots(ctx context.Context, olderThan time.Time) (int64, error)
}

type Metrics struct {
	RowsDeleted *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RowsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retention_rows_deleted_total",
				Help: "Rows deleted by retention maintenance.",
			},
			[]string{"kind"},
		),
	}
	registry.MustRegister(m.RowsDeleted)
	return m
}

type Maintainer struct {
	store   store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewMaintainer(store store, logger *slog.Logger, metrics *Metrics) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// TrimUser keeps the most recent run logs for one user. Invoked
// fire-and-forget after every successful run.
func (m *Maintainer) TrimUser(ctx context.Context, userID uuid.UUID) {
	deleted, err := m.store.TrimRunLogs(ctx, userID, PerUserLogKeep)
	if err != nil {
		m.logger.Error("per-user log trim failed", "user_id", userID, "error", err)
		return
	}
	m.countDeleted("run_logs_user", deleted)
}

// GlobalCleanup aggregates old snapshots to one per user per calendar
// day and trims every user's run logs. Invoked once per cron tick.
func (m *Maintainer) GlobalCleanup(ctx context.Context) {
	cutoff := m.now().Add(-SnapshotDenseWindow)
	deleted, err := m.store.AggregateSnapshots(ctx, cutoff)
	if err != nil {
		m.logger.Error("snapshot aggregation failed", "error", err)
	} else {
		m.countDeleted("snapshots", deleted)
		if deleted > 0 {
			m.logger.Info("aggregated old snapshots", "deleted", deleted)
		}
	}

	deleted, err = m.store.TrimAllRunLogs(ctx, GlobalLogKeep)
	if err != nil {
		m.logger.Error("global log trim failed", "error", err)
		return
	}
	m.countDeleted("run_logs_global", deleted)
}

func (m *Maintainer) countDeleted(kind string, n int64) {
	if m.metrics != nil && n > 0 {
		m.metrics.RowsDeleted.WithLabelValues(kind).Add(float64(n))
	}
}
