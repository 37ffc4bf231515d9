package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cryptofolio/syncd/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Snapshot deltas are computed against the newest snapshot at least
// this old, so rapid back-to-back runs don't zero out the delta.
const snapshotDeltaBaseline = time.Hour

type runnerStore interface {
	CreateRunLog(ctx context.Context, userID uuid.UUID) (storage.SyncRunLog, error)
	FinalizeRunLog(ctx context.Context, id uuid.UUID, succeeded, failed int) error
	ActiveAccounts(ctx context.Context, userID uuid.UUID) ([]storage.ExchangeAccount, error)
	TotalUSDValue(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	LatestSnapshotBefore(ctx context.Context, userID uuid.UUID, cutoff time.Time) (*storage.PortfolioSnapshot, error)
	InsertSnapshot(ctx context.Context, snap storage.PortfolioSnapshot) error
}

type accountReconciler interface {
	Reconcile(ctx context.Context, account storage.ExchangeAccount) error
}

type runLogTrimmer interface {
	TrimUser(ctx context.Context, userID uuid.UUID)
}

type Result struct {
	Succeeded     int
	Failed        int
	TotalUSDValue decimal.Decimal
}

// Runner executes one user's full reconciliation: every active account
// is reconciled with failure isolation, then a portfolio snapshot is
// written and the run log finalized.
type Runner struct {
	store      runnerStore
	reconciler accountReconciler
	gate       *CooldownGate
	retention  runLogTrimmer
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

func NewRunner(store runnerStore, reconciler accountReconciler, gate *CooldownGate, retention runLogTrimmer, logger *slog.Logger, metrics *Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:      store,
		reconciler: reconciler,
		gate:       gate,
		retention:  retention,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

func (r *Runner) Run(ctx context.Context, userID uuid.UUID, skipCooldown bool) (Result, error) {
	start := r.now()
	result, err := r.run(ctx, userID, skipCooldown)
	if r.metrics != nil {
		status := "completed"
		if err != nil {
			status = "error"
			if _, ok := err.(*CooldownError); ok {
				status = "cooldown"
			}
		}
		r.metrics.RunsTotal.WithLabelValues(status).Inc()
		r.metrics.RunDuration.Observe(r.now().Sub(start).Seconds())
	}
	return result, err
}

func (r *Runner) run(ctx context.Context, userID uuid.UUID, skipCooldown bool) (Result, error) {
	if !skipCooldown {
		admission, err := r.gate.CanRun(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		if !admission.Allowed {
			return Result{}, &CooldownError{
				NextEligibleAt: admission.NextEligibleAt,
				RetryAfter:     admission.NextEligibleAt.Sub(r.now()),
			}
		}
	}

	runLog, err := r.store.CreateRunLog(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("create run log: %w", err)
	}

	accounts, err := r.store.ActiveAccounts(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load active accounts: %w", err)
	}
	if len(accounts) == 0 {
		if err := r.store.FinalizeRunLog(ctx, runLog.ID, 0, 0); err != nil {
			return Result{}, fmt.Errorf("finalize empty run: %w", err)
		}
		return Result{}, nil
	}

	// One account's failure must never abort another account's
	// reconciliation.
	succeeded, failed := 0, 0
	for _, account := range accounts {
		if err := r.reconciler.Reconcile(ctx, account); err != nil {
			failed++
			r.logger.Error("account reconciliation failed",
				"user_id", userID, "account_id", account.ID, "exchange", account.Exchange, "error", err)
			continue
		}
		succeeded++
	}

	total, err := r.snapshotPortfolio(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	if err := r.store.FinalizeRunLog(ctx, runLog.ID, succeeded, failed); err != nil {
		return Result{}, fmt.Errorf("finalize run log: %w", err)
	}

	r.fireLogTrim(userID)

	return Result{Succeeded: succeeded, Failed: failed, TotalUSDValue: total}, nil
}

func (r *Runner) snapshotPortfolio(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	total, err := r.store.TotalUSDValue(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum portfolio value: %w", err)
	}

	now := r.now().UTC()
	prev, err := r.store.LatestSnapshotBefore(ctx, userID, now.Add(-snapshotDeltaBaseline))
	if err != nil {
		return decimal.Zero, fmt.Errorf("load previous snapshot: %w", err)
	}

	delta := decimal.Zero
	deltaPercent := decimal.Zero
	if prev != nil {
		delta = total.Sub(prev.TotalUSDValue)
		if !prev.TotalUSDValue.IsZero() {
			deltaPercent = delta.Div(prev.TotalUSDValue).Mul(decimal.NewFromInt(100))
		}
	}

	snap := storage.PortfolioSnapshot{
		ID:                uuid.New(),
		UserID:            userID,
		TakenAt:           now,
		TotalUSDValue:     total,
		DeltaFromPrevious: delta,
		DeltaPercent:      deltaPercent,
	}
	if err := r.store.InsertSnapshot(ctx, snap); err != nil {
		return decimal.Zero, fmt.Errorf("insert snapshot: %w", err)
	}
	if r.metrics != nil {
		r.metrics.SnapshotsSaved.Inc()
	}
	return total, nil
}

// fireLogTrim is best-effort maintenance: it runs detached with its
// own error boundary and its failure never fails the run.
func (r *Runner) fireLogTrim(userID uuid.UUID) {
	if r.retention == nil {
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("log trim panicked", "user_id", userID, "panic", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.retention.TrimUser(ctx, userID)
	}()
}
