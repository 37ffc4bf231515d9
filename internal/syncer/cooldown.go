package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptofolio/syncd/internal/storage"
	"github.com/google/uuid"
)

// DefaultCooldownWindow is the minimum time between two reconciliation
// runs for the same user, unless explicitly overridden.
const DefaultCooldownWindow = 5 * time.Minute

type runLogSource interface {
	LatestRunLog(ctx context.Context, userID uuid.UUID) (*storage.SyncRunLog, error)
}

type Admission struct {
	Allowed        bool
	NextEligibleAt time.Time
}

// CooldownGate admits a new run only when the previous one started at
// least a full window ago. It reads state, never writes it.
type CooldownGate struct {
	store  runLogSource
	window time.Duration
	now    func() time.Time
}

func NewCooldownGate(store runLogSource, window time.Duration) *CooldownGate {
	if window <= 0 {
		window = DefaultCooldownWindow
	}
	return &CooldownGate{
		store:  store,
		window: window,
		now:    time.Now,
	}
}

func (g *CooldownGate) Window() time.Duration {
	return g.window
}

func (g *CooldownGate) CanRun(ctx context.Context, userID uuid.UUID) (Admission, error) {
	last, err := g.store.LatestRunLog(ctx, userID)
	if err != nil {
		return Admission{}, fmt.Errorf("load latest run log: %w", err)
	}
	if last == nil {
		return Admission{Allowed: true}, nil
	}
	eligibleAt := last.StartedAt.Add(g.window)
	if g.now().Before(eligibleAt) {
		return Admission{Allowed: false, NextEligibleAt: eligibleAt}, nil
	}
	return Admission{Allowed: true}, nil
}

// CooldownError is the structured admission rejection: it carries how
// long the caller has to wait, and must never reach retry machinery.
type CooldownError struct {
	NextEligibleAt time.Time
	RetryAfter     time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("sync cooldown active, retry in %s", e.RetryAfter.Round(time.Second))
}
